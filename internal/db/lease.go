package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExecutorLease grants one holder the right to execute a run's phases.
type ExecutorLease struct {
	RunID           string
	Holder          string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
	InFlightPhaseID string
}

// IsStale reports whether the heartbeat is older than staleAfter.
func (l *ExecutorLease) IsStale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.LastHeartbeatAt) >= staleAfter
}

// GetLease retrieves the lease row for a run.
func (s *Store) GetLease(ctx context.Context, runID string) (*ExecutorLease, error) {
	row := s.QueryRowContext(ctx, `
		SELECT run_id, holder, acquired_at, last_heartbeat_at, in_flight_phase_id
		FROM executor_leases WHERE run_id = ?
	`, runID)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get lease %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", runID, err)
	}
	return l, nil
}

// GetLeaseTx retrieves the lease row for a run within a transaction.
func GetLeaseTx(tx *TxOps, runID string) (*ExecutorLease, error) {
	row := tx.QueryRow(`
		SELECT run_id, holder, acquired_at, last_heartbeat_at, in_flight_phase_id
		FROM executor_leases WHERE run_id = ?
	`, runID)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get lease %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", runID, err)
	}
	return l, nil
}

// InsertLease creates a lease row. A primary key conflict means another
// holder inserted first; callers detect it with IsUniqueViolation.
func (s *Store) InsertLease(ctx context.Context, runID, holder string) (*ExecutorLease, error) {
	now := s.Now()
	_, err := s.ExecContext(ctx, `
		INSERT INTO executor_leases (run_id, holder, acquired_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?)
	`, runID, holder, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	return &ExecutorLease{RunID: runID, Holder: holder, AcquiredAt: now, LastHeartbeatAt: now}, nil
}

// HeartbeatLease refreshes our lease. Zero rows means we no longer hold it.
func (s *Store) HeartbeatLease(ctx context.Context, runID, holder string) error {
	res, err := s.ExecContext(ctx, `UPDATE executor_leases SET last_heartbeat_at = ? WHERE run_id = ? AND holder = ?`,
		formatTime(s.Now()), runID, holder)
	if err != nil {
		return fmt.Errorf("heartbeat lease: %w", err)
	}
	return checkAffected(res, "heartbeat lease "+runID)
}

// TakeOverLeaseTx replaces a stale lease with compare-and-swap on the
// previous (holder, last_heartbeat_at).
func TakeOverLeaseTx(tx *TxOps, prev *ExecutorLease, holder string) (*ExecutorLease, error) {
	now := tx.now()
	res, err := tx.Exec(`
		UPDATE executor_leases SET holder = ?, acquired_at = ?, last_heartbeat_at = ?, in_flight_phase_id = NULL
		WHERE run_id = ? AND holder = ? AND last_heartbeat_at = ?
	`, holder, formatTime(now), formatTime(now), prev.RunID, prev.Holder, formatTime(prev.LastHeartbeatAt))
	if err != nil {
		return nil, fmt.Errorf("take over lease: %w", err)
	}
	if err := checkAffected(res, "take over lease "+prev.RunID); err != nil {
		return nil, err
	}
	return &ExecutorLease{RunID: prev.RunID, Holder: holder, AcquiredAt: now, LastHeartbeatAt: now}, nil
}

// SetInFlightPhase records (or clears, with "") the phase being executed.
func (s *Store) SetInFlightPhase(ctx context.Context, runID, holder, phaseID string) error {
	var inFlight any
	if phaseID != "" {
		inFlight = phaseID
	}
	res, err := s.ExecContext(ctx, `UPDATE executor_leases SET in_flight_phase_id = ? WHERE run_id = ? AND holder = ?`,
		inFlight, runID, holder)
	if err != nil {
		return fmt.Errorf("set in-flight phase: %w", err)
	}
	return checkAffected(res, "set in-flight phase "+runID)
}

// DeleteLease removes our lease row. It returns true when a row was removed.
func (s *Store) DeleteLease(ctx context.Context, runID, holder string) (bool, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM executor_leases WHERE run_id = ? AND holder = ?`, runID, holder)
	if err != nil {
		return false, fmt.Errorf("delete lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lease rows affected: %w", err)
	}
	return n > 0, nil
}

// ForceDeleteLease removes a run's lease regardless of holder.
func (s *Store) ForceDeleteLease(ctx context.Context, runID string) (bool, error) {
	res, err := s.ExecContext(ctx, `DELETE FROM executor_leases WHERE run_id = ?`, runID)
	if err != nil {
		return false, fmt.Errorf("force delete lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("force delete lease rows affected: %w", err)
	}
	return n > 0, nil
}

func scanLease(row scanner) (*ExecutorLease, error) {
	var l ExecutorLease
	var acquiredAt, heartbeatAt string
	var inFlight sql.NullString
	if err := row.Scan(&l.RunID, &l.Holder, &acquiredAt, &heartbeatAt, &inFlight); err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.LastHeartbeatAt = parseTime(heartbeatAt)
	if inFlight.Valid {
		l.InFlightPhaseID = inFlight.String
	}
	return &l, nil
}
