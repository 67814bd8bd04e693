package driver

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestNewDriver(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"invalid", Dialect("invalid"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, err := New(tt.dialect)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if drv == nil {
				t.Error("expected driver, got nil")
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"mysql", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLiteDriver(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	drv := NewSQLite()

	// Test Open
	if err := drv.Open(dbPath); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	// Test Dialect
	if drv.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %v, want %v", drv.Dialect(), DialectSQLite)
	}

	// Test Rebind
	if got := drv.Rebind("SELECT * FROM runs WHERE id = ?"); got != "SELECT * FROM runs WHERE id = ?" {
		t.Errorf("Rebind() = %q, want query unchanged", got)
	}

	// Test DB
	if drv.DB() == nil {
		t.Error("DB() returned nil")
	}

	// Test basic Exec
	ctx := context.Background()
	_, err := drv.Exec(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT)")
	if err != nil {
		t.Errorf("Exec CREATE TABLE failed: %v", err)
	}

	// Test Insert
	result, err := drv.Exec(ctx, "INSERT INTO test (name) VALUES (?)", "hello")
	if err != nil {
		t.Errorf("Exec INSERT failed: %v", err)
	}
	id, _ := result.LastInsertId()
	if id != 1 {
		t.Errorf("LastInsertId() = %d, want 1", id)
	}

	// Test Query
	rows, err := drv.Query(ctx, "SELECT id, name FROM test WHERE id = ?", 1)
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		t.Error("expected row, got none")
	}
	var gotID int
	var gotName string
	if err := rows.Scan(&gotID, &gotName); err != nil {
		t.Errorf("Scan failed: %v", err)
	}
	if gotID != 1 || gotName != "hello" {
		t.Errorf("got (%d, %q), want (1, 'hello')", gotID, gotName)
	}

	// Test QueryRow
	row := drv.QueryRow(ctx, "SELECT name FROM test WHERE id = ?", 1)
	var name string
	if err := row.Scan(&name); err != nil {
		t.Errorf("QueryRow Scan failed: %v", err)
	}
	if name != "hello" {
		t.Errorf("got %q, want 'hello'", name)
	}

	// Test BeginTx
	tx, err := drv.BeginTx(ctx, nil)
	if err != nil {
		t.Errorf("BeginTx failed: %v", err)
	}

	_, err = tx.Exec(ctx, "INSERT INTO test (name) VALUES (?)", "world")
	if err != nil {
		t.Errorf("tx.Exec failed: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Errorf("tx.Commit failed: %v", err)
	}

	// Verify committed
	var count int
	row = drv.QueryRow(ctx, "SELECT COUNT(*) FROM test")
	if err := row.Scan(&count); err != nil {
		t.Errorf("count scan failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// Test unique violation detection
	_, err = drv.Exec(ctx, "INSERT INTO test (id, name) VALUES (?, ?)", 1, "dup")
	if !drv.IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false, want true", err)
	}

	// Test Rollback
	tx2, _ := drv.BeginTx(ctx, nil)
	_, _ = tx2.Exec(ctx, "INSERT INTO test (name) VALUES (?)", "rollback")
	if err := tx2.Rollback(); err != nil {
		t.Errorf("tx.Rollback failed: %v", err)
	}

	row = drv.QueryRow(ctx, "SELECT COUNT(*) FROM test")
	if err := row.Scan(&count); err != nil {
		t.Errorf("count scan failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count after rollback = %d, want 2", count)
	}
}

func TestSQLiteDriver_Close(t *testing.T) {
	drv := NewSQLite()

	// Close without Open should not error
	if err := drv.Close(); err != nil {
		t.Errorf("Close without Open failed: %v", err)
	}
}

func TestPostgresDriver_Rebind(t *testing.T) {
	drv := NewPostgres()

	tests := []struct {
		query string
		want  string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM phases WHERE id = ?", "SELECT * FROM phases WHERE id = $1"},
		{"UPDATE phases SET state = ? WHERE id = ? AND state = ?", "UPDATE phases SET state = $1 WHERE id = $2 AND state = $3"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}

	for _, tt := range tests {
		got := drv.Rebind(tt.query)
		if got != tt.want {
			t.Errorf("Rebind(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestPostgresDriver_Dialect(t *testing.T) {
	drv := NewPostgres()

	if drv.Dialect() != DialectPostgres {
		t.Errorf("Dialect() = %v, want %v", drv.Dialect(), DialectPostgres)
	}

	if drv.IsUniqueViolation(nil) {
		t.Error("IsUniqueViolation(nil) = true, want false")
	}
}

func TestSplitStatements(t *testing.T) {
	content := `
-- leading comment
CREATE TABLE a (id INTEGER);

CREATE INDEX idx_a ON a(id);
-- trailing comment
`
	got := splitStatements(content)
	if len(got) != 2 {
		t.Fatalf("splitStatements() returned %d statements, want 2: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (id INTEGER)" {
		t.Errorf("first statement = %q", got[0])
	}
}

func TestPostgresDriver_Close(t *testing.T) {
	drv := NewPostgres()

	// Close without Open should not error
	if err := drv.Close(); err != nil {
		t.Errorf("Close without Open failed: %v", err)
	}
}

func TestSQLiteMigrate(t *testing.T) {
	drv := NewSQLite()
	if err := drv.Open(filepath.Join(t.TempDir(), "migrate_test.db")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	fsys := fstest.MapFS{
		"schema/test_001.sql": {Data: []byte(`
			-- first table
			CREATE TABLE IF NOT EXISTS first (id INTEGER PRIMARY KEY);
		`)},
		"schema/test_002.sql":  {Data: []byte(`CREATE TABLE IF NOT EXISTS second (id INTEGER PRIMARY KEY, first_id INTEGER REFERENCES first(id));`)},
		"schema/other_001.sql": {Data: []byte(`CREATE TABLE ignored (id INTEGER);`)},
	}

	ctx := context.Background()
	if err := drv.Migrate(ctx, fsys, "test"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	for _, table := range []string{"first", "second"} {
		var name string
		err := drv.QueryRow(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
	var n int
	if err := drv.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name='ignored'").Scan(&n); err != nil || n != 0 {
		t.Errorf("other schema type applied: count=%d err=%v", n, err)
	}

	v, err := drv.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}

	// Run again - should be idempotent
	if err := drv.Migrate(ctx, fsys, "test"); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}
}

func TestSQLiteDriver_ForeignKeysOnEveryConnection(t *testing.T) {
	drv := NewSQLite()
	if err := drv.Open(filepath.Join(t.TempDir(), "fk.db")); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	ctx := context.Background()
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := drv.DB().Conn(ctx)
		if err != nil {
			t.Fatalf("Conn failed: %v", err)
		}
		defer func() { _ = c.Close() }()
		conns[i] = c
	}
	for i, c := range conns {
		var fk int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		if fk != 1 {
			t.Errorf("conn %d: foreign_keys = %d, want 1", i, fk)
		}
	}
}

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"schema/drydock_010.sql": {Data: []byte("SELECT 1;")},
		"schema/drydock_002.sql": {Data: []byte("SELECT 1;")},
		"schema/readme.txt":      {Data: []byte("x")},
	}
	got, err := listMigrations(fsys, "schema", "drydock")
	if err != nil {
		t.Fatalf("listMigrations failed: %v", err)
	}
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 10 {
		t.Errorf("listMigrations() = %+v, want versions [2 10]", got)
	}

	fsys["schema/drydock_02.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := listMigrations(fsys, "schema", "drydock"); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestPostgresDriver_IsUniqueViolation(t *testing.T) {
	drv := NewPostgres()
	if !drv.IsUniqueViolation(fmt.Errorf("insert lease: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped unique_violation not detected")
	}
	if drv.IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign_key_violation reported as unique violation")
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/drydock.db")
	if !strings.HasPrefix(got, "/tmp/drydock.db?_pragma=") {
		t.Errorf("sqliteDSN() = %q, want pragma query on the path", got)
	}
	if n := strings.Count(got, "_pragma="); n != len(sqlitePragmas) {
		t.Errorf("sqliteDSN() has %d pragmas, want %d", n, len(sqlitePragmas))
	}
	if got := sqliteDSN("file:x.db?mode=ro"); !strings.HasPrefix(got, "file:x.db?mode=ro&_pragma=") {
		t.Errorf("sqliteDSN() = %q, want pragmas appended to existing query", got)
	}
}
