package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/drydock/internal/db/driver"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// matched zero rows.
	ErrConcurrentModification = errors.New("concurrent state modification detected")

	// ErrQueueInvariant is returned when a write would leave more than one
	// phase of a run in QUEUED.
	ErrQueueInvariant = errors.New("run already has a queued phase")

	// ErrInvalidTransition is returned for state changes the phase state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid phase state transition")

	// ErrLiveLease is returned when an operation requires that no live lease
	// exists for the run.
	ErrLiveLease = errors.New("run has a live executor lease")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, s)
	}
	return ts
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	ts := parseTime(s.String)
	return &ts
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// TxOps provides database operations within a transaction.
// The context is stored and used for all operations, enabling cancellation
// and timeout propagation through the entire transaction.
type TxOps struct {
	tx    driver.Tx
	ctx   context.Context
	clock func() time.Time
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.ctx, query, args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(t.ctx, query, args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

func (t *TxOps) now() time.Time {
	return t.clock()
}

// Store provides all drydock persistence operations.
type Store struct {
	*DB
	clock func() time.Time
}

// OpenStore opens and migrates the store.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenStore(ctx context.Context, dsn string, dialect driver.Dialect) (*Store, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, SchemaType); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{DB: db, clock: time.Now}, nil
}

// OpenStoreInMemory opens an in-memory SQLite store with the schema applied.
func OpenStoreInMemory() (*Store, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(context.Background(), SchemaType); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{DB: db, clock: time.Now}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// RunInTx executes the given function within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{tx: tx, ctx: ctx, clock: s.clock}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// IsUniqueViolation reports whether err is a primary key or unique conflict.
func (s *Store) IsUniqueViolation(err error) bool {
	return s.driver.IsUniqueViolation(err)
}

// checkAffected converts a zero-row CAS update into ErrConcurrentModification.
func checkAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrConcurrentModification)
	}
	return nil
}
