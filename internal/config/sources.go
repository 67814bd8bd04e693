package config

import (
	"fmt"
	"strings"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates built-in default values.
	SourceDefault ConfigSource = "default"
	// SourceSystem indicates /etc/drydock/config.yaml.
	SourceSystem ConfigSource = "system"
	// SourceUser indicates ~/.drydock/config.yaml.
	SourceUser ConfigSource = "user"
	// SourceProject indicates .drydock/config.yaml.
	SourceProject ConfigSource = "project"
	// SourceFile indicates an explicit --config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates an environment variable override.
	SourceEnv ConfigSource = "env"
)

// TrackedSource contains both the source type and its file path or key.
type TrackedSource struct {
	Source ConfigSource
	Path   string // File path, config key for env overrides, or empty for defaults
}

// String returns a human-readable source description.
func (ts TrackedSource) String() string {
	if ts.Path == "" {
		return string(ts.Source)
	}
	return fmt.Sprintf("%s: %s", ts.Source, ts.Path)
}

// Sources records, in load order, what contributed to a config.
type Sources struct {
	Layers []TrackedSource
}

// Add appends a layer.
func (s *Sources) Add(source ConfigSource, path string) {
	s.Layers = append(s.Layers, TrackedSource{Source: source, Path: path})
}

// Files returns the config files that were merged.
func (s *Sources) Files() []string {
	var files []string
	for _, l := range s.Layers {
		switch l.Source {
		case SourceSystem, SourceUser, SourceProject, SourceFile:
			files = append(files, l.Path)
		}
	}
	return files
}

// String returns a one-line summary.
func (s *Sources) String() string {
	parts := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		parts[i] = l.String()
	}
	return strings.Join(parts, ", ")
}
