// Package lease grants one executor at a time the right to run a run's phases.
// The lease is a store row keyed by run id; liveness is the heartbeat age.
// A stale row may be taken over, which first abandons whatever the previous
// holder had in flight.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/fingerprint"
)

var (
	// ErrConflict is returned when a live lease is held by someone else.
	ErrConflict = errors.New("lease held by another executor")

	// ErrLost is returned when a lease we held no longer names us. The keeper
	// also uses it as the cancellation cause of the execution context.
	ErrLost = errors.New("executor lease lost")
)

// DefaultStaleAfter is used when the manager is created with a zero threshold.
const DefaultStaleAfter = 90 * time.Second

// StopCodeAbandoned is recorded on phases failed by a takeover.
const StopCodeAbandoned = "abandoned"

// Manager acquires and maintains executor leases for one holder.
type Manager struct {
	store      *db.Store
	holder     string
	staleAfter time.Duration
	rules      *fingerprint.Rules
	logger     *slog.Logger
}

// NewManager creates a lease manager. An empty holder is replaced with
// NewHolderID(). A nil logger uses slog.Default().
func NewManager(store *db.Store, holder string, staleAfter time.Duration, logger *slog.Logger) *Manager {
	if holder == "" {
		holder = NewHolderID()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		holder:     holder,
		staleAfter: staleAfter,
		rules:      fingerprint.DefaultRules(),
		logger:     logger.With("holder", holder),
	}
}

// NewHolderID returns "user@host:pid:xxxxxxxx", unique per process.
func NewHolderID() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s:%d:%s", name, host, os.Getpid(), uuid.NewString()[:8])
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

// StaleAfter returns the heartbeat age at which a lease is considered dead.
func (m *Manager) StaleAfter() time.Duration {
	return m.staleAfter
}

// Acquire takes the run's lease without blocking. It refreshes a lease we
// already hold, takes over a stale one, and returns a LEASE_CONFLICT error
// wrapping ErrConflict when someone else holds a live lease.
func (m *Manager) Acquire(ctx context.Context, runID string) (*db.ExecutorLease, error) {
	run, err := m.store.GetRun(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, dderrors.ErrRunNotFound(runID)
	}
	if err != nil {
		return nil, err
	}
	if run.ArchivedAt != nil {
		return nil, dderrors.ErrRunArchived(runID)
	}

	existing, err := m.store.GetLease(ctx, runID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		l, err := m.store.InsertLease(ctx, runID, m.holder)
		if err != nil {
			if m.store.IsUniqueViolation(err) {
				return nil, m.conflict(runID, "")
			}
			return nil, fmt.Errorf("acquire lease %s: %w", runID, err)
		}
		m.logger.Debug("lease acquired", "run_id", runID)
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("acquire lease %s: %w", runID, err)
	}

	if existing.Holder == m.holder {
		if err := m.store.HeartbeatLease(ctx, runID, m.holder); err != nil {
			if errors.Is(err, db.ErrConcurrentModification) {
				return nil, m.conflict(runID, "")
			}
			return nil, err
		}
		existing.LastHeartbeatAt = m.store.Now()
		return existing, nil
	}

	if !existing.IsStale(m.store.Now(), m.staleAfter) {
		return nil, m.conflict(runID, existing.Holder)
	}
	return m.takeOver(ctx, existing)
}

// takeOver abandons the previous holder's in-flight work and replaces the
// row, all in one transaction. Losing the CAS to another taker is a conflict.
func (m *Manager) takeOver(ctx context.Context, prev *db.ExecutorLease) (*db.ExecutorLease, error) {
	age := m.store.Now().Sub(prev.LastHeartbeatAt)
	var taken *db.ExecutorLease
	var abandoned int64
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if prev.InFlightPhaseID != "" {
			n, err := m.abandonInFlightTx(tx, prev)
			if err != nil {
				return err
			}
			abandoned = n
		}
		l, err := db.TakeOverLeaseTx(tx, prev, m.holder)
		if err != nil {
			return err
		}
		taken = l
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   prev.RunID,
			PhaseID: prev.InFlightPhaseID,
			Kind:    db.EventTakeover,
			Actor:   m.holder,
			Detail:  fmt.Sprintf("took over from %s after %s without heartbeat", prev.Holder, age.Round(time.Second)),
		})
	})
	if err != nil {
		if errors.Is(err, db.ErrConcurrentModification) {
			return nil, m.conflict(prev.RunID, "")
		}
		return nil, fmt.Errorf("take over lease %s: %w", prev.RunID, err)
	}

	m.logger.Warn("took over stale lease",
		"run_id", prev.RunID,
		"previous_holder", prev.Holder,
		"heartbeat_age", age.Round(time.Second),
		"in_flight_phase_id", prev.InFlightPhaseID,
		"abandoned_attempts", abandoned,
	)
	return taken, nil
}

// abandonInFlightTx finalizes the previous holder's pending attempts and
// fails the phase it was executing.
func (m *Manager) abandonInFlightTx(tx *db.TxOps, prev *db.ExecutorLease) (int64, error) {
	reason := "abandoned by " + prev.Holder
	n, err := db.AbandonPendingAttemptsTx(tx, prev.InFlightPhaseID, reason)
	if err != nil {
		return 0, err
	}

	ph, err := db.GetPhaseTx(tx, prev.InFlightPhaseID)
	if errors.Is(err, db.ErrNotFound) {
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	switch ph.State {
	case db.PhaseExecuting, db.PhaseGate, db.PhaseCIRunning:
	default:
		return n, nil
	}

	ref, err := db.LatestAttemptIDTx(tx, ph.ID)
	if err != nil {
		return 0, err
	}
	if ref == "" {
		ref = ph.ID
	}
	if err := db.FailPhaseTx(tx, ph.ID, ph.State, db.FailureRecord{
		Reason:      reason,
		Fingerprint: m.rules.Compute(fingerprint.KindAbandoned, reason),
		StopCode:    StopCodeAbandoned,
		OutputRef:   ref,
	}); err != nil {
		return 0, err
	}
	return n, db.AppendRunEventTx(tx, &db.RunEvent{
		RunID:   ph.RunID,
		PhaseID: ph.ID,
		Kind:    db.EventAbandoned,
		Actor:   m.holder,
		Detail:  fmt.Sprintf("%s -> FAILED, %d pending attempt(s) abandoned", ph.State, n),
	})
}

// Renew refreshes our heartbeat. It returns an error wrapping ErrLost when
// the row no longer names us.
func (m *Manager) Renew(ctx context.Context, runID string) error {
	err := m.store.HeartbeatLease(ctx, runID, m.holder)
	if errors.Is(err, db.ErrConcurrentModification) {
		return dderrors.ErrLeaseLost(runID).WithCause(ErrLost)
	}
	return err
}

// Verify confirms that we hold a live lease on the run.
func (m *Manager) Verify(ctx context.Context, runID string) error {
	l, err := m.store.GetLease(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return dderrors.ErrLeaseLost(runID).WithCause(ErrLost)
	}
	if err != nil {
		return err
	}
	if l.Holder != m.holder || l.IsStale(m.store.Now(), m.staleAfter) {
		return dderrors.ErrLeaseLost(runID).WithCause(ErrLost)
	}
	return nil
}

// SetInFlight records the phase we are executing, or clears it with "".
func (m *Manager) SetInFlight(ctx context.Context, runID, phaseID string) error {
	err := m.store.SetInFlightPhase(ctx, runID, m.holder, phaseID)
	if errors.Is(err, db.ErrConcurrentModification) {
		return dderrors.ErrLeaseLost(runID).WithCause(ErrLost)
	}
	return err
}

// Release deletes our lease row. Releasing a lease we do not hold is a no-op.
func (m *Manager) Release(ctx context.Context, runID string) error {
	removed, err := m.store.DeleteLease(ctx, runID, m.holder)
	if err != nil {
		return err
	}
	if removed {
		m.logger.Debug("lease released", "run_id", runID)
	}
	return nil
}

// ForceRelease deletes the run's lease regardless of holder.
func (m *Manager) ForceRelease(ctx context.Context, runID string) (bool, error) {
	removed, err := m.store.ForceDeleteLease(ctx, runID)
	if err != nil {
		return false, err
	}
	if removed {
		m.logger.Warn("lease force-released", "run_id", runID)
	}
	return removed, nil
}

func (m *Manager) conflict(runID, holder string) error {
	if holder == "" {
		holder = "another executor"
	}
	return dderrors.ErrLeaseConflict(runID, holder).WithCause(ErrConflict)
}
