package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PhaseState is a phase lifecycle state.
type PhaseState string

const (
	PhasePending   PhaseState = "PENDING"
	PhaseQueued    PhaseState = "QUEUED"
	PhaseExecuting PhaseState = "EXECUTING"
	PhaseGate      PhaseState = "GATE"
	PhaseCIRunning PhaseState = "CI_RUNNING"
	PhaseComplete  PhaseState = "COMPLETE"
	PhaseFailed    PhaseState = "FAILED"
)

// IsTerminal reports whether no further transition leaves s without an
// explicit retry.
func (s PhaseState) IsTerminal() bool {
	return s == PhaseComplete || s == PhaseFailed
}

// transitions lists the allowed edges. Any non-terminal state may also go to
// FAILED, which CanTransition handles separately.
var transitions = map[PhaseState][]PhaseState{
	PhasePending:   {PhaseQueued},
	PhaseQueued:    {PhaseExecuting},
	PhaseExecuting: {PhaseGate, PhaseCIRunning, PhaseComplete},
	PhaseGate:      {PhaseCIRunning, PhaseComplete, PhaseExecuting},
	PhaseCIRunning: {PhaseComplete, PhaseExecuting},
	PhaseFailed:    {PhaseQueued},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to PhaseState) bool {
	if to == PhaseFailed {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Phase is one dispatchable unit of work.
type Phase struct {
	ID                   string
	RunID                string
	TierID               string
	Ordinal              int
	Name                 string
	Description          string
	Category             string
	Complexity           string
	Scope                []string // deliverable path globs
	State                PhaseState
	BuilderAttempts      int
	TotalAttempts        int
	LastFailureReason    string
	LastErrorFingerprint string
	LastStopCode         string
	LastOutputRef        string
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DeliverableCount returns the number of declared deliverables.
func (p *Phase) DeliverableCount() int {
	return len(p.Scope)
}

// FailureRecord is the diagnostic payload every FAILED phase carries.
type FailureRecord struct {
	Reason      string
	Fingerprint string
	StopCode    string
	OutputRef   string
}

const phaseColumns = `p.id, p.run_id, p.tier_id, p.ordinal, p.name, p.description, p.category, p.complexity,
	p.scope, p.state, p.builder_attempts, p.total_attempts, p.last_failure_reason,
	p.last_error_fingerprint, p.last_stop_code, p.last_output_ref, p.version, p.created_at, p.updated_at`

// CreatePhase inserts a phase, assigning an ID when empty.
func (s *Store) CreatePhase(ctx context.Context, ph *Phase) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return CreatePhaseTx(tx, ph)
	})
}

// CreatePhaseTx inserts a phase within a transaction.
func CreatePhaseTx(tx *TxOps, ph *Phase) error {
	if ph.ID == "" {
		ph.ID = uuid.NewString()
	}
	if ph.State == "" {
		ph.State = PhasePending
	}
	scope := ph.Scope
	if scope == nil {
		scope = []string{}
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	now := tx.now()
	ph.CreatedAt, ph.UpdatedAt, ph.Version = now, now, 1
	_, err = tx.Exec(`
		INSERT INTO phases (id, run_id, tier_id, ordinal, name, description, category, complexity, scope, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, ph.ID, ph.RunID, ph.TierID, ph.Ordinal, ph.Name, ph.Description, ph.Category, ph.Complexity,
		string(scopeJSON), string(ph.State), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("create phase: %w", err)
	}
	return nil
}

// GetPhase retrieves a phase by ID.
func (s *Store) GetPhase(ctx context.Context, id string) (*Phase, error) {
	row := s.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases p WHERE p.id = ?`, id)
	ph, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get phase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get phase %s: %w", id, err)
	}
	return ph, nil
}

// GetPhaseTx retrieves a phase by ID within a transaction.
func GetPhaseTx(tx *TxOps, id string) (*Phase, error) {
	row := tx.QueryRow(`SELECT `+phaseColumns+` FROM phases p WHERE p.id = ?`, id)
	ph, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get phase %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get phase %s: %w", id, err)
	}
	return ph, nil
}

// ListPhases returns a run's phases ordered by tier then phase ordinal.
func (s *Store) ListPhases(ctx context.Context, runID string) ([]*Phase, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+phaseColumns+`
		FROM phases p JOIN tiers t ON t.id = p.tier_id
		WHERE p.run_id = ?
		ORDER BY t.ordinal, p.ordinal
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	return collectPhases(rows)
}

// ListPhasesByState returns a run's phases in the given state, in execution order.
func (s *Store) ListPhasesByState(ctx context.Context, runID string, state PhaseState) ([]*Phase, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT `+phaseColumns+`
		FROM phases p JOIN tiers t ON t.id = p.tier_id
		WHERE p.run_id = ? AND p.state = ?
		ORDER BY t.ordinal, p.ordinal
	`, runID, string(state))
	if err != nil {
		return nil, fmt.Errorf("list phases by state: %w", err)
	}
	return collectPhases(rows)
}

// CountQueued returns how many phases of the run are QUEUED.
func (s *Store) CountQueued(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM phases WHERE run_id = ? AND state = ?`,
		runID, string(PhaseQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func countQueuedTx(tx *TxOps, runID, excludePhaseID string) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM phases WHERE run_id = ? AND state = ? AND id <> ?`,
		runID, string(PhaseQueued), excludePhaseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

// TransitionPhase moves a phase from one state to another with compare-and-swap.
func (s *Store) TransitionPhase(ctx context.Context, id string, from, to PhaseState) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return TransitionPhaseTx(tx, id, from, to)
	})
}

// TransitionPhaseTx moves a phase from one state to another with
// compare-and-swap on (id, state). QUEUED targets must go through
// QueuePhaseTx or RetryPhaseTx so the queue invariant is checked.
func TransitionPhaseTx(tx *TxOps, id string, from, to PhaseState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	res, err := tx.Exec(`
		UPDATE phases SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(to), formatTime(tx.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transition phase %s: %w", id, err)
	}
	return checkAffected(res, fmt.Sprintf("transition phase %s %s -> %s", id, from, to))
}

// QueuePhaseTx moves a PENDING phase to QUEUED. It takes the run row's write
// lock, then refuses with ErrQueueInvariant if another phase is already
// QUEUED, unless allowMultiple is set.
func QueuePhaseTx(tx *TxOps, phaseID string, allowMultiple bool) error {
	ph, err := GetPhaseTx(tx, phaseID)
	if err != nil {
		return err
	}
	if err := lockRunTx(tx, ph.RunID); err != nil {
		return err
	}
	if err := checkQueueInvariantTx(tx, ph, allowMultiple); err != nil {
		return err
	}
	return TransitionPhaseTx(tx, phaseID, ph.State, PhaseQueued)
}

// RetryPhase moves a FAILED phase back to QUEUED and resets its per-cycle
// attempt counter. See RetryPhaseTx.
func (s *Store) RetryPhase(ctx context.Context, phaseID string, allowMultiple bool, actor string) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return RetryPhaseTx(tx, phaseID, allowMultiple, actor)
	})
}

// RetryPhaseTx performs FAILED -> QUEUED under the run lock, honouring the
// queue invariant unless allowMultiple is set. An audit event is written.
func RetryPhaseTx(tx *TxOps, phaseID string, allowMultiple bool, actor string) error {
	ph, err := GetPhaseTx(tx, phaseID)
	if err != nil {
		return err
	}
	if ph.State != PhaseFailed {
		return fmt.Errorf("retry phase %s in state %s: %w", phaseID, ph.State, ErrInvalidTransition)
	}
	if err := lockRunTx(tx, ph.RunID); err != nil {
		return err
	}
	if err := checkQueueInvariantTx(tx, ph, allowMultiple); err != nil {
		return err
	}
	res, err := tx.Exec(`
		UPDATE phases SET state = ?, builder_attempts = 0, version = version + 1, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(PhaseQueued), formatTime(tx.now()), phaseID, string(PhaseFailed))
	if err != nil {
		return fmt.Errorf("retry phase %s: %w", phaseID, err)
	}
	if err := checkAffected(res, "retry phase "+phaseID); err != nil {
		return err
	}
	detail := "FAILED -> QUEUED"
	if allowMultiple {
		detail += " (allow multiple queued)"
	}
	return AppendRunEventTx(tx, &RunEvent{RunID: ph.RunID, PhaseID: phaseID, Kind: EventRetry, Actor: actor, Detail: detail})
}

func checkQueueInvariantTx(tx *TxOps, ph *Phase, allowMultiple bool) error {
	if allowMultiple {
		return nil
	}
	n, err := countQueuedTx(tx, ph.RunID, ph.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("queue phase %s: %d other phase(s) queued in run %s: %w", ph.ID, n, ph.RunID, ErrQueueInvariant)
	}
	return nil
}

// QueueNext promotes the lowest-ordinal PENDING phase of a run when nothing
// is queued. It returns the promoted phase ID, or "" when nothing changed.
func (s *Store) QueueNext(ctx context.Context, runID string) (string, error) {
	var promoted string
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		if err := lockRunTx(tx, runID); err != nil {
			return err
		}
		var err error
		promoted, err = promoteNextTx(tx, runID)
		return err
	})
	return promoted, err
}

// promoteNextTx assumes the caller holds the run lock.
func promoteNextTx(tx *TxOps, runID string) (string, error) {
	n, err := countQueuedTx(tx, runID, "")
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}
	var nextID string
	err = tx.QueryRow(`
		SELECT p.id FROM phases p JOIN tiers t ON t.id = p.tier_id
		WHERE p.run_id = ? AND p.state = ?
		ORDER BY t.ordinal, p.ordinal
		LIMIT 1
	`, runID, string(PhasePending)).Scan(&nextID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select next pending: %w", err)
	}
	if err := TransitionPhaseTx(tx, nextID, PhasePending, PhaseQueued); err != nil {
		return "", err
	}
	return nextID, nil
}

// CompleteAndPromoteTx marks a phase COMPLETE and promotes the run's next
// PENDING phase in the same transaction. It returns the promoted phase ID.
func CompleteAndPromoteTx(tx *TxOps, phaseID string, from PhaseState) (string, error) {
	ph, err := GetPhaseTx(tx, phaseID)
	if err != nil {
		return "", err
	}
	if err := lockRunTx(tx, ph.RunID); err != nil {
		return "", err
	}
	if err := TransitionPhaseTx(tx, phaseID, from, PhaseComplete); err != nil {
		return "", err
	}
	return promoteNextTx(tx, ph.RunID)
}

// FailPhaseTx moves a phase to FAILED and records its failure payload.
func FailPhaseTx(tx *TxOps, phaseID string, from PhaseState, rec FailureRecord) error {
	if !CanTransition(from, PhaseFailed) {
		return fmt.Errorf("%s -> %s: %w", from, PhaseFailed, ErrInvalidTransition)
	}
	res, err := tx.Exec(`
		UPDATE phases SET state = ?, last_failure_reason = ?, last_error_fingerprint = ?,
			last_stop_code = ?, last_output_ref = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(PhaseFailed), rec.Reason, rec.Fingerprint, rec.StopCode, rec.OutputRef,
		formatTime(tx.now()), phaseID, string(from))
	if err != nil {
		return fmt.Errorf("fail phase %s: %w", phaseID, err)
	}
	return checkAffected(res, "fail phase "+phaseID)
}

// IncrementAttemptsTx bumps the per-cycle and lifetime attempt counters and
// returns the new per-cycle value.
func IncrementAttemptsTx(tx *TxOps, phaseID string) (int, error) {
	if _, err := tx.Exec(`
		UPDATE phases SET builder_attempts = builder_attempts + 1, total_attempts = total_attempts + 1, updated_at = ?
		WHERE id = ?
	`, formatTime(tx.now()), phaseID); err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var n int
	if err := tx.QueryRow(`SELECT builder_attempts FROM phases WHERE id = ?`, phaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return n, nil
}

// RecordFingerprintTx stores the latest error fingerprint without changing state.
func RecordFingerprintTx(tx *TxOps, phaseID, fingerprint string) error {
	_, err := tx.Exec(`UPDATE phases SET last_error_fingerprint = ?, updated_at = ? WHERE id = ?`,
		fingerprint, formatTime(tx.now()), phaseID)
	if err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}

func collectPhases(rows *sql.Rows) ([]*Phase, error) {
	defer func() { _ = rows.Close() }()

	var phases []*Phase
	for rows.Next() {
		ph, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		phases = append(phases, ph)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return phases, nil
}

func scanPhase(row scanner) (*Phase, error) {
	var ph Phase
	var scope, state, createdAt, updatedAt string
	if err := row.Scan(&ph.ID, &ph.RunID, &ph.TierID, &ph.Ordinal, &ph.Name, &ph.Description,
		&ph.Category, &ph.Complexity, &scope, &state, &ph.BuilderAttempts, &ph.TotalAttempts,
		&ph.LastFailureReason, &ph.LastErrorFingerprint, &ph.LastStopCode, &ph.LastOutputRef,
		&ph.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ph.State = PhaseState(state)
	if scope != "" {
		if err := json.Unmarshal([]byte(scope), &ph.Scope); err != nil {
			return nil, fmt.Errorf("unmarshal scope: %w", err)
		}
	}
	ph.CreatedAt = parseTime(createdAt)
	ph.UpdatedAt = parseTime(updatedAt)
	return &ph, nil
}
