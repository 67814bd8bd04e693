// Package fingerprint reduces free-form failure text to stable keys.
//
// Normalization is data driven: a Rules value holds ordered regexp
// rewrites, low-signal line patterns and root-cause patterns. The default
// set is embedded and may be replaced by an operator yaml file.
package fingerprint

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rule is one ordered rewrite applied during normalization.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`

	re *regexp.Regexp
}

// Rules is a compiled normalization rule set.
type Rules struct {
	Rewrites          []Rule   `yaml:"normalize"`
	LowSignalPatterns []string `yaml:"low_signal"`
	RootCausePatterns []string `yaml:"root_cause"`
	MaxSignatureLines int      `yaml:"max_signature_lines"`

	lowSignal []*regexp.Regexp
	rootCause []*regexp.Regexp
}

// ParseRules decodes and compiles a yaml rule set.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse fingerprint rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRules reads a rule set from path.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// DefaultRules returns the embedded rule set.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded fingerprint rules: %v", err))
	}
	return r
}

func (r *Rules) compile() error {
	for i := range r.Rewrites {
		re, err := regexp.Compile(r.Rewrites[i].Pattern)
		if err != nil {
			return fmt.Errorf("compile normalize rule %q: %w", r.Rewrites[i].Name, err)
		}
		r.Rewrites[i].re = re
	}
	r.lowSignal = r.lowSignal[:0]
	for _, p := range r.LowSignalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("compile low_signal pattern %q: %w", p, err)
		}
		r.lowSignal = append(r.lowSignal, re)
	}
	r.rootCause = r.rootCause[:0]
	for _, p := range r.RootCausePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("compile root_cause pattern %q: %w", p, err)
		}
		r.rootCause = append(r.rootCause, re)
	}
	if r.MaxSignatureLines <= 0 {
		r.MaxSignatureLines = 5
	}
	return nil
}
