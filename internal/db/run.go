package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is an ordered backlog of tiers and phases executed by one holder at a time.
type Run struct {
	ID         string
	Name       string
	Workspace  string
	TokenCap   int64 // 0 means unlimited
	TokensUsed int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

// RemainingTokens returns the unspent run budget, or -1 when the run is uncapped.
func (r *Run) RemainingTokens() int64 {
	if r.TokenCap <= 0 {
		return -1
	}
	remaining := r.TokenCap - r.TokensUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Tier groups phases within a run. Immutable after creation.
type Tier struct {
	ID      string
	RunID   string
	Ordinal int
	Name    string
}

// TierSummary is a tier with counters derived from its phases.
type TierSummary struct {
	Tier
	Total    int
	Complete int
	Failed   int
}

const runColumns = `id, name, workspace, token_cap, tokens_used, created_at, updated_at, archived_at`

// CreateRun inserts a run, assigning an ID when empty.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return CreateRunTx(tx, r)
	})
}

// CreateRunTx inserts a run within a transaction.
func CreateRunTx(tx *TxOps, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := tx.now()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := tx.Exec(`
		INSERT INTO runs (id, seq, name, workspace, token_cap, tokens_used, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs), ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.Workspace, r.TokenCap, r.TokensUsed, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// GetRunTx retrieves a run by ID within a transaction.
func GetRunTx(tx *TxOps, id string) (*Run, error) {
	row := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs in creation order.
func (s *Store) ListRuns(ctx context.Context, includeArchived bool) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY seq`

	rows, err := s.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ArchiveRun marks a run archived. It refuses while a live lease exists.
func (s *Store) ArchiveRun(ctx context.Context, id string, staleAfter time.Duration, actor string) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		if _, err := GetRunTx(tx, id); err != nil {
			return err
		}
		lease, err := GetLeaseTx(tx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if lease != nil && !lease.IsStale(tx.now(), staleAfter) {
			return fmt.Errorf("archive run %s: held by %s: %w", id, lease.Holder, ErrLiveLease)
		}
		now := formatTime(tx.now())
		res, err := tx.Exec(`UPDATE runs SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`, now, now, id)
		if err != nil {
			return fmt.Errorf("archive run: %w", err)
		}
		if err := checkAffected(res, "archive run"); err != nil {
			return err
		}
		return AppendRunEventTx(tx, &RunEvent{RunID: id, Kind: EventArchived, Actor: actor})
	})
}

// AddTokensUsedTx adds dispatch usage to the run's aggregate.
func AddTokensUsedTx(tx *TxOps, runID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	_, err := tx.Exec(`UPDATE runs SET tokens_used = tokens_used + ?, updated_at = ? WHERE id = ?`,
		tokens, formatTime(tx.now()), runID)
	if err != nil {
		return fmt.Errorf("add tokens used: %w", err)
	}
	return nil
}

// lockRunTx takes the run row's write lock for the rest of the transaction.
func lockRunTx(tx *TxOps, runID string) error {
	res, err := tx.Exec(`UPDATE runs SET updated_at = ? WHERE id = ?`, formatTime(tx.now()), runID)
	if err != nil {
		return fmt.Errorf("lock run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// CreateTier inserts a tier, assigning an ID when empty.
func (s *Store) CreateTier(ctx context.Context, t *Tier) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return CreateTierTx(tx, t)
	})
}

// CreateTierTx inserts a tier within a transaction.
func CreateTierTx(tx *TxOps, t *Tier) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := tx.Exec(`INSERT INTO tiers (id, run_id, ordinal, name) VALUES (?, ?, ?, ?)`,
		t.ID, t.RunID, t.Ordinal, t.Name)
	if err != nil {
		return fmt.Errorf("create tier: %w", err)
	}
	return nil
}

// ListTierSummaries returns a run's tiers with derived phase counters.
func (s *Store) ListTierSummaries(ctx context.Context, runID string) ([]TierSummary, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT t.id, t.run_id, t.ordinal, t.name,
			COUNT(p.id),
			COALESCE(SUM(CASE WHEN p.state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN p.state = ? THEN 1 ELSE 0 END), 0)
		FROM tiers t
		LEFT JOIN phases p ON p.tier_id = t.id
		WHERE t.run_id = ?
		GROUP BY t.id, t.run_id, t.ordinal, t.name
		ORDER BY t.ordinal
	`, string(PhaseComplete), string(PhaseFailed), runID)
	if err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tiers []TierSummary
	for rows.Next() {
		var ts TierSummary
		if err := rows.Scan(&ts.ID, &ts.RunID, &ts.Ordinal, &ts.Name, &ts.Total, &ts.Complete, &ts.Failed); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		tiers = append(tiers, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiers: %w", err)
	}
	return tiers, nil
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var createdAt, updatedAt string
	var archivedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &r.Workspace, &r.TokenCap, &r.TokensUsed,
		&createdAt, &updatedAt, &archivedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.ArchivedAt = parseNullTime(archivedAt)
	return &r, nil
}
