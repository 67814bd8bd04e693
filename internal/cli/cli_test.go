package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestImportThenRetryUnknownPhase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state", "drydock.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	planPath := filepath.Join(dir, "plan.yaml")

	writeFile(t, cfgPath, "database:\n  driver: sqlite\n  path: "+dbPath+"\n")
	writeFile(t, planPath, `
name: cli-import
tiers:
  - name: one
    phases:
      - name: first
      - name: second
`)

	rootCmd.SetArgs([]string{"--config", cfgPath, "import", planPath})
	require.NoError(t, Execute())

	store, err := db.OpenStore(context.Background(), dbPath, "sqlite")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "cli-import", runs[0].Name)

	phases, err := store.ListPhases(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, db.PhaseQueued, phases[0].State)

	rootCmd.SetArgs([]string{"--config", cfgPath, "retry", "no-such-phase"})
	err = Execute()
	require.Error(t, err)
	assert.True(t, dderrors.HasCode(err, dderrors.CodePhaseNotFound))
	assert.Equal(t, 4, dderrors.ExitCodeFor(err))
}

func TestTokenUsage(t *testing.T) {
	assert.Equal(t, "1,234", tokenUsage(1234, 0))
	assert.Equal(t, "1,234/50,000", tokenUsage(1234, 50000))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestLoadRules(t *testing.T) {
	rules, err := loadRules("")
	require.NoError(t, err)
	assert.Nil(t, rules, "empty path keeps the embedded rules")

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, "low_signal:\n  - '^oops$'\n")
	rules, err = loadRules(path)
	require.NoError(t, err)
	assert.True(t, rules.IsLowSignal("oops"))

	_, err = loadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, dderrors.HasCode(err, dderrors.CodeConfigInvalid))
}
