package config

import (
	"path/filepath"
	"time"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DrydockDir, "drydock.db"),
		},
		Lease: LeaseConfig{
			StaleAfter:        2 * time.Minute,
			HeartbeatInterval: 20 * time.Second,
		},
		Execution: ExecutionConfig{
			MaxBuilderAttempts:      5,
			DispatchTimeout:         10 * time.Minute,
			ProviderCeiling:         32000,
			FullFileMaxDeliverables: 3,
			GateDeliverables:        true,
			ArtifactsDir:            filepath.Join(DrydockDir, "artifacts"),
			WorkspaceDir:            ".",
		},
		Budget: BudgetConfig{
			Watch: true,
		},
		Generation: GenerationConfig{
			Model:             "claude-sonnet-4-5",
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			RequestsPerMinute: 50,
			Burst:             5,
		},
		TestRunner: TestRunnerConfig{
			Timeout: 10 * time.Minute,
		},
		Diagnostics: DiagnosticsConfig{
			HandoffMaxLines:   200,
			HandoffMaxBytes:   16 * 1024,
			RetrievalMaxFiles: 5,
			RetrievalMaxBytes: 32 * 1024,
			DocGlobs:          []string{"docs/**/*.md", "*.md"},
			Tier3Enabled:      false,
			Tier3Budget:       4096,
		},
		Drain: DrainConfig{
			BatchSize:            50,
			PhaseTimeout:         20 * time.Minute,
			MaxAttemptsPerPhase:  2,
			FingerprintRepeatCap: 3,
			ZeroYieldCap:         10,
			MaxWallClock:         0,
			MaxTimeoutsPerRun:    2,
			StateDir:             DrydockDir,
		},
		Calibration: CalibrationConfig{
			MinSamples:     20,
			MaxVariance:    0.25,
			TargetHeadroom: 1.3,
			MinChange:      0.1,
			Output:         filepath.Join(DrydockDir, "calibration-proposals.yaml"),
			Schedule:       "@daily",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
