package db

import (
	"context"
	"fmt"
	"time"
)

// Run event kinds.
const (
	EventTransition    = "transition"
	EventRetry         = "retry"
	EventTakeover      = "lease_takeover"
	EventAbandoned     = "abandoned"
	EventArchived      = "archived"
	EventFailed        = "failed"
	EventCompleted     = "completed"
	EventImported      = "imported"
	EventLeaseReleased = "lease_released"
)

// RunEvent is an append-only audit record.
type RunEvent struct {
	ID        int64
	RunID     string
	PhaseID   string
	Kind      string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

// AppendRunEvent writes an audit event.
func (s *Store) AppendRunEvent(ctx context.Context, e *RunEvent) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return AppendRunEventTx(tx, e)
	})
}

// AppendRunEventTx writes an audit event within a transaction.
func AppendRunEventTx(tx *TxOps, e *RunEvent) error {
	e.CreatedAt = tx.now()
	_, err := tx.Exec(`
		INSERT INTO run_events (run_id, phase_id, kind, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RunID, e.PhaseID, e.Kind, e.Actor, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// ListRunEvents returns a run's events, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, run_id, phase_id, kind, actor, detail, created_at
		FROM run_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*RunEvent
	for rows.Next() {
		var e RunEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.PhaseID, &e.Kind, &e.Actor, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}
