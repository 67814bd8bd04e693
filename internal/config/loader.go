package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SystemConfigPath is the machine-wide config file.
const SystemConfigPath = "/etc/drydock/config.yaml"

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// ConfigFile, when set, replaces the system/user/project search.
	ConfigFile string
	// ProjectDir is the directory holding .drydock/. Defaults to ".".
	ProjectDir string
	// SkipSystem and SkipUser disable those layers. Intended for tests.
	SkipSystem bool
	SkipUser   bool
}

// Load reads configuration into v and returns the decoded config and the
// sources that contributed to it.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/drydock/config.yaml) - optional
//  3. User config (~/.drydock/config.yaml) - optional
//  4. Project config (.drydock/config.yaml)
//  5. Environment variables (DRYDOCK_*)
//  6. Flags bound to v by the caller
func Load(v *viper.Viper, opts LoadOptions) (*Config, *Sources, error) {
	src := &Sources{}

	if err := setDefaults(v, Default()); err != nil {
		return nil, nil, err
	}
	src.Add(SourceDefault, "")

	v.SetConfigType("yaml")
	if opts.ConfigFile != "" {
		if err := mergeFile(v, opts.ConfigFile); err != nil {
			return nil, nil, err
		}
		src.Add(SourceFile, opts.ConfigFile)
	} else {
		// 2. System config
		if !opts.SkipSystem && fileExists(SystemConfigPath) {
			if err := mergeFile(v, SystemConfigPath); err != nil {
				slog.Warn("failed to load system config", "path", SystemConfigPath, "error", err)
			} else {
				src.Add(SourceSystem, SystemConfigPath)
			}
		}

		// 3. User config
		if !opts.SkipUser {
			if home, err := os.UserHomeDir(); err == nil {
				userPath := filepath.Join(home, DrydockDir, ConfigFileName)
				if fileExists(userPath) {
					if err := mergeFile(v, userPath); err != nil {
						slog.Warn("failed to load user config", "path", userPath, "error", err)
					} else {
						src.Add(SourceUser, userPath)
					}
				}
			}
		}

		// 4. Project config. Errors here are fatal.
		projectDir := opts.ProjectDir
		if projectDir == "" {
			projectDir = "."
		}
		projectPath := filepath.Join(projectDir, DrydockDir, ConfigFileName)
		if fileExists(projectPath) {
			if err := mergeFile(v, projectPath); err != nil {
				return nil, nil, err
			}
			src.Add(SourceProject, projectPath)
		}
	}

	// 5. Environment variables
	overridden := bindEnv(v)
	for _, path := range overridden {
		src.Add(SourceEnv, path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, src, nil
}

// LoadFile reads a single yaml file over the defaults without viper.
// Used by tools that only need a plain config snapshot.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every leaf of cfg as a viper default so that
// AutomaticEnv and Unmarshal see the full key set.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	for key, val := range flatten("", raw) {
		v.SetDefault(key, val)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteDefault writes the default configuration to path, creating parents.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// envKeyReplacer maps config paths to DRYDOCK_ variable suffixes.
var envKeyReplacer = strings.NewReplacer(".", "_")
