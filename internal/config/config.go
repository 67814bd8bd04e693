// Package config provides configuration management for drydock.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/drydock/internal/db/driver"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

const (
	// DrydockDir is the project-local state directory.
	DrydockDir = ".drydock"
	// ConfigFileName is the config file name inside each config directory.
	ConfigFileName = "config.yaml"
)

// Config represents the drydock configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Lease       LeaseConfig       `yaml:"lease" mapstructure:"lease"`
	Execution   ExecutionConfig   `yaml:"execution" mapstructure:"execution"`
	Budget      BudgetConfig      `yaml:"budget" mapstructure:"budget"`
	Generation  GenerationConfig  `yaml:"generation" mapstructure:"generation"`
	TestRunner  TestRunnerConfig  `yaml:"testrunner" mapstructure:"testrunner"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" mapstructure:"diagnostics"`
	Drain       DrainConfig       `yaml:"drain" mapstructure:"drain"`
	Calibration CalibrationConfig `yaml:"calibration" mapstructure:"calibration"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig selects and locates the persistent store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the SQLite file path.
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// Dialect returns the parsed driver dialect.
func (d DatabaseConfig) Dialect() (driver.Dialect, error) {
	return driver.ParseDialect(d.Driver)
}

// Target returns the DSN to open for the configured driver.
func (d DatabaseConfig) Target() string {
	if strings.HasPrefix(d.Driver, "postgres") || d.Driver == "pg" {
		return d.DSN
	}
	return d.Path
}

// LeaseConfig controls executor lease liveness.
type LeaseConfig struct {
	// StaleAfter is the heartbeat age after which a lease may be taken over.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	// HeartbeatInterval is how often the keeper renews a held lease.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// ExecutionConfig controls the phase lifecycle.
type ExecutionConfig struct {
	MaxBuilderAttempts      int           `yaml:"max_builder_attempts" mapstructure:"max_builder_attempts"`
	DispatchTimeout         time.Duration `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	ProviderCeiling         int           `yaml:"provider_ceiling" mapstructure:"provider_ceiling"`
	FullFileMaxDeliverables int           `yaml:"full_file_max_deliverables" mapstructure:"full_file_max_deliverables"`
	// GateDeliverables enables the GATE state's deliverable glob check.
	GateDeliverables bool   `yaml:"gate_deliverables" mapstructure:"gate_deliverables"`
	ArtifactsDir     string `yaml:"artifacts_dir" mapstructure:"artifacts_dir"`
	WorkspaceDir     string `yaml:"workspace_dir" mapstructure:"workspace_dir"`
	// FingerprintRules replaces the embedded fingerprint rule set when set.
	FingerprintRules string `yaml:"fingerprint_rules" mapstructure:"fingerprint_rules"`
}

// BudgetConfig locates the calibration table.
type BudgetConfig struct {
	// CalibrationFile overrides the embedded default table when set.
	CalibrationFile string `yaml:"calibration_file" mapstructure:"calibration_file"`
	// Watch hot-reloads CalibrationFile on change.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// GenerationConfig configures the default generation endpoint.
type GenerationConfig struct {
	Model             string `yaml:"model" mapstructure:"model"`
	APIKeyEnv         string `yaml:"api_key_env" mapstructure:"api_key_env"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// TestRunnerConfig configures the CI_RUNNING validation command.
type TestRunnerConfig struct {
	// Command is run with sh -c in the workspace. Empty disables CI_RUNNING.
	Command string        `yaml:"command" mapstructure:"command"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DiagnosticsConfig bounds the recovery diagnostics tiers.
type DiagnosticsConfig struct {
	HandoffMaxLines   int      `yaml:"handoff_max_lines" mapstructure:"handoff_max_lines"`
	HandoffMaxBytes   int      `yaml:"handoff_max_bytes" mapstructure:"handoff_max_bytes"`
	RetrievalMaxFiles int      `yaml:"retrieval_max_files" mapstructure:"retrieval_max_files"`
	RetrievalMaxBytes int      `yaml:"retrieval_max_bytes" mapstructure:"retrieval_max_bytes"`
	DocGlobs          []string `yaml:"doc_globs" mapstructure:"doc_globs"`
	Tier3Enabled      bool     `yaml:"tier3_enabled" mapstructure:"tier3_enabled"`
	Tier3Budget       int      `yaml:"tier3_budget" mapstructure:"tier3_budget"`
}

// DrainConfig holds backlog drain stop-condition defaults. Zero disables a limit.
type DrainConfig struct {
	BatchSize            int           `yaml:"batch_size" mapstructure:"batch_size"`
	PhaseTimeout         time.Duration `yaml:"phase_timeout" mapstructure:"phase_timeout"`
	MaxAttemptsPerPhase  int           `yaml:"max_attempts_per_phase" mapstructure:"max_attempts_per_phase"`
	FingerprintRepeatCap int           `yaml:"fingerprint_repeat_cap" mapstructure:"fingerprint_repeat_cap"`
	ZeroYieldCap         int           `yaml:"zero_yield_cap" mapstructure:"zero_yield_cap"`
	MaxWallClock         time.Duration `yaml:"max_wall_clock" mapstructure:"max_wall_clock"`
	MaxTimeoutsPerRun    int           `yaml:"max_timeouts_per_run" mapstructure:"max_timeouts_per_run"`
	StateDir             string        `yaml:"state_dir" mapstructure:"state_dir"`
}

// CalibrationConfig tunes the offline calibrator.
type CalibrationConfig struct {
	MinSamples     int     `yaml:"min_samples" mapstructure:"min_samples"`
	MaxVariance    float64 `yaml:"max_variance" mapstructure:"max_variance"`
	TargetHeadroom float64 `yaml:"target_headroom" mapstructure:"target_headroom"`
	MinChange      float64 `yaml:"min_change" mapstructure:"min_change"`
	Output         string  `yaml:"output" mapstructure:"output"`
	Schedule       string  `yaml:"schedule" mapstructure:"schedule"`
}

// LoggingConfig configures the slog default handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" mapstructure:"level"`
	// Format is auto, text or json. Auto picks text on a terminal.
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Database.Dialect(); err != nil {
		return dderrors.ErrConfigInvalid("database.driver", err.Error())
	}
	if c.Database.Target() == "" {
		return dderrors.ErrConfigInvalid("database", "sqlite requires database.path and postgres requires database.dsn")
	}
	if c.Lease.StaleAfter <= 0 {
		return dderrors.ErrConfigInvalid("lease.stale_after", "must be positive")
	}
	if c.Lease.HeartbeatInterval <= 0 || c.Lease.HeartbeatInterval >= c.Lease.StaleAfter {
		return dderrors.ErrConfigInvalid("lease.heartbeat_interval",
			fmt.Sprintf("must be positive and shorter than lease.stale_after (%s)", c.Lease.StaleAfter))
	}
	if c.Execution.MaxBuilderAttempts < 1 {
		return dderrors.ErrConfigInvalid("execution.max_builder_attempts", "must be at least 1")
	}
	if c.Execution.DispatchTimeout <= 0 {
		return dderrors.ErrConfigInvalid("execution.dispatch_timeout", "must be positive")
	}
	if c.Execution.ProviderCeiling <= 0 {
		return dderrors.ErrConfigInvalid("execution.provider_ceiling", "must be positive")
	}
	if c.Generation.RequestsPerMinute < 0 || c.Generation.Burst < 0 {
		return dderrors.ErrConfigInvalid("generation", "requests_per_minute and burst must not be negative")
	}
	for name, v := range map[string]int{
		"drain.batch_size":             c.Drain.BatchSize,
		"drain.max_attempts_per_phase": c.Drain.MaxAttemptsPerPhase,
		"drain.fingerprint_repeat_cap": c.Drain.FingerprintRepeatCap,
		"drain.zero_yield_cap":         c.Drain.ZeroYieldCap,
		"drain.max_timeouts_per_run":   c.Drain.MaxTimeoutsPerRun,
	} {
		if v < 0 {
			return dderrors.ErrConfigInvalid(name, "must not be negative (0 disables)")
		}
	}
	if c.Calibration.TargetHeadroom <= 0 {
		return dderrors.ErrConfigInvalid("calibration.target_headroom", "must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return dderrors.ErrConfigInvalid("logging.level", "must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "auto", "text", "json":
	default:
		return dderrors.ErrConfigInvalid("logging.format", "must be one of: auto, text, json")
	}
	return nil
}
