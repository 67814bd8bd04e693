package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeProjectConfig(t *testing.T, dir, content string) string {
	t.Helper()
	cfgDir := filepath.Join(dir, DrydockDir)
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(cfgDir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	cfg, src, err := Load(viper.New(), LoadOptions{ProjectDir: tmpDir, SkipSystem: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Execution.MaxBuilderAttempts != 5 {
		t.Errorf("MaxBuilderAttempts = %d, want 5", cfg.Execution.MaxBuilderAttempts)
	}
	if cfg.Lease.StaleAfter != 2*time.Minute {
		t.Errorf("StaleAfter = %s, want 2m", cfg.Lease.StaleAfter)
	}
	if len(cfg.Diagnostics.DocGlobs) != 2 {
		t.Errorf("DocGlobs = %v, want 2 entries", cfg.Diagnostics.DocGlobs)
	}
	if files := src.Files(); len(files) != 0 {
		t.Errorf("Files = %v, want none", files)
	}
}

func TestLoad_ProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	path := writeProjectConfig(t, tmpDir, `
execution:
  max_builder_attempts: 3
  provider_ceiling: 16000
  fingerprint_rules: rules.yaml
drain:
  zero_yield_cap: 4
  phase_timeout: 90s
`)

	cfg, src, err := Load(viper.New(), LoadOptions{ProjectDir: tmpDir, SkipSystem: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Execution.MaxBuilderAttempts != 3 {
		t.Errorf("MaxBuilderAttempts = %d, want 3", cfg.Execution.MaxBuilderAttempts)
	}
	if cfg.Execution.ProviderCeiling != 16000 {
		t.Errorf("ProviderCeiling = %d, want 16000", cfg.Execution.ProviderCeiling)
	}
	if cfg.Execution.FingerprintRules != "rules.yaml" {
		t.Errorf("FingerprintRules = %q, want rules.yaml", cfg.Execution.FingerprintRules)
	}
	if cfg.Drain.ZeroYieldCap != 4 {
		t.Errorf("ZeroYieldCap = %d, want 4", cfg.Drain.ZeroYieldCap)
	}
	if cfg.Drain.PhaseTimeout != 90*time.Second {
		t.Errorf("PhaseTimeout = %s, want 90s", cfg.Drain.PhaseTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.Drain.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Drain.BatchSize)
	}

	files := src.Files()
	if len(files) != 1 || files[0] != path {
		t.Errorf("Files = %v, want [%s]", files, path)
	}
}

func TestLoad_UserThenProject(t *testing.T) {
	tmpDir := t.TempDir()
	home := filepath.Join(tmpDir, "home")
	t.Setenv("HOME", home)

	writeProjectConfig(t, home, `
generation:
  model: user-model
logging:
  level: debug
`)
	project := filepath.Join(tmpDir, "project")
	writeProjectConfig(t, project, `
generation:
  model: project-model
`)

	cfg, _, err := Load(viper.New(), LoadOptions{ProjectDir: project, SkipSystem: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Generation.Model != "project-model" {
		t.Errorf("Model = %q, want project-model", cfg.Generation.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug from user config", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	writeProjectConfig(t, tmpDir, `
generation:
  model: file-model
`)
	t.Setenv("DRYDOCK_MODEL", "env-model")
	t.Setenv("DRYDOCK_DRAIN_BATCH_SIZE", "7")

	cfg, src, err := Load(viper.New(), LoadOptions{ProjectDir: tmpDir, SkipSystem: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Generation.Model != "env-model" {
		t.Errorf("Model = %q, want env-model", cfg.Generation.Model)
	}
	if cfg.Drain.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", cfg.Drain.BatchSize)
	}

	var envPaths []string
	for _, l := range src.Layers {
		if l.Source == SourceEnv {
			envPaths = append(envPaths, l.Path)
		}
	}
	if len(envPaths) != 2 {
		t.Errorf("env layers = %v, want drain.batch_size and generation.model", envPaths)
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	// A project config that must be ignored when --config is given.
	writeProjectConfig(t, tmpDir, "generation:\n  model: ignored\n")

	explicit := filepath.Join(tmpDir, "custom.yaml")
	if err := os.WriteFile(explicit, []byte("generation:\n  model: explicit\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, src, err := Load(viper.New(), LoadOptions{ConfigFile: explicit, ProjectDir: tmpDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Generation.Model != "explicit" {
		t.Errorf("Model = %q, want explicit", cfg.Generation.Model)
	}
	if src.Layers[1].Source != SourceFile {
		t.Errorf("second layer = %s, want file", src.Layers[1])
	}
}

func TestLoad_InvalidProjectConfigIsFatal(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	writeProjectConfig(t, tmpDir, "execution: [not, a, map\n")

	if _, _, err := Load(viper.New(), LoadOptions{ProjectDir: tmpDir, SkipSystem: true}); err == nil {
		t.Fatal("expected parse error for malformed project config")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "nonexistent"))

	writeProjectConfig(t, tmpDir, "lease:\n  stale_after: 10s\n  heartbeat_interval: 30s\n")

	_, _, err := Load(viper.New(), LoadOptions{ProjectDir: tmpDir, SkipSystem: true})
	if err == nil {
		t.Fatal("expected validation error when heartbeat exceeds stale_after")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: postgres\n  dsn: postgres://localhost/drydock\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Database.Target() != "postgres://localhost/drydock" {
		t.Errorf("Target = %q", cfg.Database.Target())
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Lease.HeartbeatInterval != Default().Lease.HeartbeatInterval {
		t.Errorf("HeartbeatInterval = %s", cfg.Lease.HeartbeatInterval)
	}
}
