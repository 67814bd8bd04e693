package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome is the final classification of a dispatch.
type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeFailure   AttemptOutcome = "failure"
	OutcomeTimeout   AttemptOutcome = "timeout"
	OutcomeAbandoned AttemptOutcome = "abandoned"
)

// Attempt is one concrete dispatch for a phase. It is inserted as pending
// before the dispatch is awaited and completed exactly once.
type Attempt struct {
	ID                 string
	PhaseID            string
	RunID              string
	AttemptNumber      int
	SelectedBudget     int
	ActualMaxTokens    int
	ActualOutputTokens int
	InputTokens        int
	Truncated          bool
	RepresentationMode string
	DiagnosticsTier    int
	Outcome            AttemptOutcome
	FailureKind        string
	DurationMS         int64
	ErrorFingerprint   string
	StopReason         string
	OutputRef          string
	Holder             string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// AttemptResult is the completion payload for a pending attempt.
type AttemptResult struct {
	Outcome            AttemptOutcome
	ActualOutputTokens int
	InputTokens        int
	Truncated          bool
	FailureKind        string
	Duration           time.Duration
	ErrorFingerprint   string
	StopReason         string
	OutputRef          string
}

const attemptColumns = `id, phase_id, run_id, attempt_number, selected_budget, actual_max_tokens,
	actual_output_tokens, input_tokens, truncated, representation_mode, diagnostics_tier, outcome,
	failure_kind, duration_ms, error_fingerprint, stop_reason, output_ref, holder, started_at, completed_at`

// InsertPendingAttempt records an attempt before dispatch.
func (s *Store) InsertPendingAttempt(ctx context.Context, a *Attempt) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return InsertPendingAttemptTx(tx, a)
	})
}

// InsertPendingAttemptTx records an attempt before dispatch within a transaction.
func InsertPendingAttemptTx(tx *TxOps, a *Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Outcome = OutcomePending
	a.StartedAt = tx.now()
	_, err := tx.Exec(`
		INSERT INTO attempts (id, phase_id, run_id, attempt_number, selected_budget, actual_max_tokens,
			representation_mode, diagnostics_tier, outcome, holder, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PhaseID, a.RunID, a.AttemptNumber, a.SelectedBudget, a.ActualMaxTokens,
		a.RepresentationMode, a.DiagnosticsTier, string(OutcomePending), a.Holder, formatTime(a.StartedAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// CompleteAttemptTx finalizes a pending attempt. A second completion matches
// zero rows and returns ErrConcurrentModification.
func CompleteAttemptTx(tx *TxOps, attemptID string, r AttemptResult) error {
	if r.Outcome == OutcomePending {
		return fmt.Errorf("complete attempt %s: outcome must not be pending", attemptID)
	}
	res, err := tx.Exec(`
		UPDATE attempts SET outcome = ?, actual_output_tokens = ?, input_tokens = ?, truncated = ?,
			failure_kind = ?, duration_ms = ?, error_fingerprint = ?, stop_reason = ?, output_ref = ?,
			completed_at = ?
		WHERE id = ? AND outcome = ?
	`, string(r.Outcome), r.ActualOutputTokens, r.InputTokens, boolInt(r.Truncated), r.FailureKind,
		r.Duration.Milliseconds(), r.ErrorFingerprint, r.StopReason, r.OutputRef,
		formatTime(tx.now()), attemptID, string(OutcomePending))
	if err != nil {
		return fmt.Errorf("complete attempt %s: %w", attemptID, err)
	}
	return checkAffected(res, "complete attempt "+attemptID)
}

// AbandonPendingAttemptsTx finalizes every pending attempt of a phase as
// abandoned and returns how many were changed.
func AbandonPendingAttemptsTx(tx *TxOps, phaseID, reason string) (int64, error) {
	res, err := tx.Exec(`
		UPDATE attempts SET outcome = ?, failure_kind = ?, stop_reason = ?, completed_at = ?
		WHERE phase_id = ? AND outcome = ?
	`, string(OutcomeAbandoned), "abandoned", reason, formatTime(tx.now()), phaseID, string(OutcomePending))
	if err != nil {
		return 0, fmt.Errorf("abandon attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon attempts rows affected: %w", err)
	}
	return n, nil
}

// GetAttempt retrieves an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", id, err)
	}
	return a, nil
}

// ListAttempts returns a phase's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, phaseID string) ([]*Attempt, error) {
	rows, err := s.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE phase_id = ? ORDER BY attempt_number`, phaseID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return collectAttempts(rows)
}

// ListRecentAttempts returns the newest attempts of a run, newest first.
func (s *Store) ListRecentAttempts(ctx context.Context, runID string, limit int) ([]*Attempt, error) {
	rows, err := s.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE run_id = ? ORDER BY started_at DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent attempts: %w", err)
	}
	return collectAttempts(rows)
}

// NextAttemptNumberTx returns the next attempt number for a phase.
func NextAttemptNumberTx(tx *TxOps, phaseID string) (int, error) {
	var n int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(attempt_number), 0) FROM attempts WHERE phase_id = ?`, phaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("next attempt number: %w", err)
	}
	return n + 1, nil
}

// LatestAttemptIDTx returns the id of a phase's newest attempt, or "" when
// it has none.
func LatestAttemptIDTx(tx *TxOps, phaseID string) (string, error) {
	var id string
	err := tx.QueryRow(`SELECT id FROM attempts WHERE phase_id = ? ORDER BY attempt_number DESC LIMIT 1`, phaseID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest attempt: %w", err)
	}
	return id, nil
}

func collectAttempts(rows *sql.Rows) ([]*Attempt, error) {
	defer func() { _ = rows.Close() }()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

func scanAttempt(row scanner) (*Attempt, error) {
	var a Attempt
	var truncated int
	var outcome, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&a.ID, &a.PhaseID, &a.RunID, &a.AttemptNumber, &a.SelectedBudget, &a.ActualMaxTokens,
		&a.ActualOutputTokens, &a.InputTokens, &truncated, &a.RepresentationMode, &a.DiagnosticsTier, &outcome,
		&a.FailureKind, &a.DurationMS, &a.ErrorFingerprint, &a.StopReason, &a.OutputRef, &a.Holder,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}
	a.Truncated = truncated != 0
	a.Outcome = AttemptOutcome(outcome)
	a.StartedAt = parseTime(startedAt)
	a.CompletedAt = parseNullTime(completedAt)
	return &a, nil
}
