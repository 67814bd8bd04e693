package recovery

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/drydock/internal/fingerprint"
)

// AttemptRecord is the diagnostic view of one finished attempt.
type AttemptRecord struct {
	Number      int
	Mode        Mode
	Outcome     OutcomeKind
	Fingerprint string
	StopReason  string
	// OutputRef is the attempt output file, relative to the artifacts dir
	// or absolute inside it.
	OutputRef   string
	FailureText string
}

// HandoffInput is what tier 1 diagnostics are built from.
type HandoffInput struct {
	RunID   string
	PhaseID string
	// Attempts are ordered oldest first.
	Attempts     []AttemptRecord
	ArtifactsDir string
}

// HandoffLimits bounds the excerpts a handoff carries.
type HandoffLimits struct {
	MaxLines int
	MaxBytes int
}

// DefaultHandoffLimits is used when a limit is zero.
var DefaultHandoffLimits = HandoffLimits{MaxLines: 80, MaxBytes: 16 * 1024}

// ManifestEntry lists one run-local artifact.
type ManifestEntry struct {
	Path     string    `yaml:"path"`
	Size     int64     `yaml:"size"`
	Modified time.Time `yaml:"modified"`
}

// Excerpt is the tail of one artifact.
type Excerpt struct {
	Path      string `yaml:"path"`
	Text      string `yaml:"text"`
	Truncated bool   `yaml:"truncated,omitempty"`
}

// Handoff is the tier 1 diagnostics bundle.
type Handoff struct {
	RunID               string          `yaml:"run_id"`
	PhaseID             string          `yaml:"phase_id"`
	Narrative           []string        `yaml:"narrative"`
	RootCause           string          `yaml:"root_cause,omitempty"`
	FailureText         string          `yaml:"failure_text,omitempty"`
	Fingerprint         string          `yaml:"fingerprint,omitempty"`
	PreviousFingerprint string          `yaml:"previous_fingerprint,omitempty"`
	Manifest            []ManifestEntry `yaml:"manifest,omitempty"`
	Excerpts            []Excerpt       `yaml:"excerpts,omitempty"`
}

// BuildHandoff assembles the tier 1 bundle. Excerpts are read only from files
// inside in.ArtifactsDir and are bounded by limits in lines and bytes.
func BuildHandoff(in HandoffInput, limits HandoffLimits, rules *fingerprint.Rules) (*Handoff, error) {
	if limits.MaxLines <= 0 {
		limits.MaxLines = DefaultHandoffLimits.MaxLines
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultHandoffLimits.MaxBytes
	}
	if rules == nil {
		rules = fingerprint.DefaultRules()
	}

	h := &Handoff{RunID: in.RunID, PhaseID: in.PhaseID}

	manifest, err := buildManifest(in.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	h.Manifest = manifest
	sizes := make(map[string]int64, len(manifest))
	for _, m := range manifest {
		sizes[m.Path] = m.Size
	}

	for _, a := range in.Attempts {
		line := fmt.Sprintf("attempt %d (%s): %s", a.Number, a.Mode, a.Outcome)
		if a.Fingerprint != "" {
			line += " [" + a.Fingerprint + "]"
		}
		if a.StopReason != "" {
			line += " stop=" + a.StopReason
		}
		if rel, ok := runLocal(in.ArtifactsDir, a.OutputRef); ok {
			line += fmt.Sprintf(" output=%s (%s)", rel, humanize.Bytes(uint64(sizes[rel])))
		}
		h.Narrative = append(h.Narrative, line)
	}

	if n := len(in.Attempts); n > 0 {
		last := in.Attempts[n-1]
		h.FailureText = tailText(last.FailureText, limits.MaxLines, limits.MaxBytes)
		h.Fingerprint = last.Fingerprint
		h.RootCause = rules.RootCause(last.FailureText)
		if n > 1 {
			h.PreviousFingerprint = in.Attempts[n-2].Fingerprint
		}
	}

	// Excerpts from the newest attempts first until the byte budget is spent.
	remaining := limits.MaxBytes - len(h.FailureText)
	seen := make(map[string]bool)
	for i := len(in.Attempts) - 1; i >= 0 && remaining > 0; i-- {
		rel, ok := runLocal(in.ArtifactsDir, in.Attempts[i].OutputRef)
		if !ok || seen[rel] {
			continue
		}
		seen[rel] = true
		ex, err := tailFile(filepath.Join(in.ArtifactsDir, rel), limits.MaxLines, remaining)
		if err != nil {
			continue
		}
		ex.Path = rel
		remaining -= len(ex.Text)
		h.Excerpts = append(h.Excerpts, ex)
	}
	return h, nil
}

// Render returns the handoff as yaml for inclusion in a prompt.
func (h *Handoff) Render() string {
	data, err := yaml.Marshal(h)
	if err != nil {
		return strings.Join(h.Narrative, "\n")
	}
	return string(data)
}

// Sufficient reports whether the handoff carries enough signal to act on.
// When it does not, the reason names what is missing.
func Sufficient(h *Handoff, rules *fingerprint.Rules) (bool, string) {
	if rules == nil {
		rules = fingerprint.DefaultRules()
	}
	switch {
	case h == nil || strings.TrimSpace(h.FailureText) == "":
		return false, "empty failure text"
	case rules.IsLowSignal(h.FailureText):
		return false, "generic failure text"
	case h.RootCause == "":
		return false, "no root-cause line"
	case h.Fingerprint != "" && h.Fingerprint == h.PreviousFingerprint:
		return false, "fingerprint repeated from previous attempt"
	}
	return true, ""
}

func buildManifest(dir string) ([]ManifestEntry, error) {
	if dir == "" {
		return nil, nil
	}
	var entries []ManifestEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		entries = append(entries, ManifestEntry{Path: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifacts %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Modified.Equal(entries[j].Modified) {
			return entries[i].Modified.After(entries[j].Modified)
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// runLocal resolves ref against dir and reports whether it stays inside.
func runLocal(dir, ref string) (string, bool) {
	if dir == "" || ref == "" {
		return "", false
	}
	abs := ref
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dir, ref)
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func tailFile(path string, maxLines, maxBytes int) (Excerpt, error) {
	f, err := os.Open(path)
	if err != nil {
		return Excerpt{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Excerpt{}, err
	}
	var truncated bool
	if info.Size() > int64(maxBytes) {
		if _, err := f.Seek(-int64(maxBytes), io.SeekEnd); err != nil {
			return Excerpt{}, err
		}
		truncated = true
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return Excerpt{}, err
	}
	if truncated {
		// Drop the partial first line.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	text := tailText(string(data), maxLines, maxBytes)
	return Excerpt{Text: text, Truncated: truncated || len(text) < len(strings.TrimRight(string(data), "\n"))}, nil
}

// tailText keeps the last maxLines lines of s within maxBytes.
func tailText(s string, maxLines, maxBytes int) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := strings.Join(lines, "\n")
	for len(out) > maxBytes && len(lines) > 1 {
		lines = lines[1:]
		out = strings.Join(lines, "\n")
	}
	if len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return out
}
