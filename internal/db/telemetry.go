package db

import (
	"context"
	"fmt"
	"time"
)

// TokenEstimationEvent is one dispatch that returned provider usage.
type TokenEstimationEvent struct {
	ID                 int64
	RunID              string
	PhaseID            string
	AttemptID          string
	Category           string
	Complexity         string
	DeliverableCount   int
	SelectedBudget     int
	ActualMaxTokens    int
	ActualOutputTokens int
	Truncated          bool
	Success            bool
	CreatedAt          time.Time
}

// InsertTokenEventTx appends a telemetry row.
func InsertTokenEventTx(tx *TxOps, e *TokenEstimationEvent) error {
	e.CreatedAt = tx.now()
	_, err := tx.Exec(`
		INSERT INTO token_estimation_events (run_id, phase_id, attempt_id, category, complexity,
			deliverable_count, selected_budget, actual_max_tokens, actual_output_tokens, truncated, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.PhaseID, e.AttemptID, e.Category, e.Complexity, e.DeliverableCount, e.SelectedBudget,
		e.ActualMaxTokens, e.ActualOutputTokens, boolInt(e.Truncated), boolInt(e.Success), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert token event: %w", err)
	}
	return nil
}

// TelemetryWatermark returns the highest telemetry row id, or 0 when empty.
func (s *Store) TelemetryWatermark(ctx context.Context) (int64, error) {
	var id int64
	if err := s.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM token_estimation_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("telemetry watermark: %w", err)
	}
	return id, nil
}

// CountTelemetrySince counts a phase's telemetry rows newer than watermark.
func (s *Store) CountTelemetrySince(ctx context.Context, phaseID string, watermark int64) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_estimation_events WHERE phase_id = ? AND id > ?`,
		phaseID, watermark).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

// ListCalibrationSamples returns successful, non-truncated events with output.
func (s *Store) ListCalibrationSamples(ctx context.Context) ([]*TokenEstimationEvent, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, run_id, phase_id, attempt_id, category, complexity, deliverable_count, selected_budget,
			actual_max_tokens, actual_output_tokens, truncated, success, created_at
		FROM token_estimation_events
		WHERE success = 1 AND truncated = 0 AND actual_output_tokens > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list calibration samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*TokenEstimationEvent
	for rows.Next() {
		var e TokenEstimationEvent
		var truncated, success int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.PhaseID, &e.AttemptID, &e.Category, &e.Complexity,
			&e.DeliverableCount, &e.SelectedBudget, &e.ActualMaxTokens, &e.ActualOutputTokens,
			&truncated, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("scan token event: %w", err)
		}
		e.Truncated = truncated != 0
		e.Success = success != 0
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token events: %w", err)
	}
	return events, nil
}
