package recovery

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

// Retrieval categories.
const (
	CategoryArtifact = "artifact"
	CategoryDoc      = "doc"
)

// RetrieveInput locates the material tier 2 may search.
type RetrieveInput struct {
	ArtifactsDir string
	WorkspaceDir string
	// DocGlobs select source-of-truth docs relative to WorkspaceDir.
	DocGlobs []string
	// Exclude drops matching workspace-relative paths.
	Exclude []string
}

// RetrieveLimits caps each category separately.
type RetrieveLimits struct {
	MaxFiles int
	MaxBytes int
}

// DefaultRetrieveLimits is used when a limit is zero.
var DefaultRetrieveLimits = RetrieveLimits{MaxFiles: 6, MaxBytes: 32 * 1024}

// maxScanBytes bounds how much of one candidate is read for scoring.
const maxScanBytes = 512 * 1024

// RetrievedFile is one ranked piece of context.
type RetrievedFile struct {
	Category  string
	Path      string
	Score     int
	Modified  time.Time
	Content   string
	Truncated bool
}

// Retrieval is the tier 2 result.
type Retrieval struct {
	Keywords []string
	Files    []RetrievedFile
}

// DeepRetrieve ranks run artifacts and docs by keyword hits from the
// handoff, then recency, then path, and returns the top files of each
// category within limits.
func DeepRetrieve(ctx context.Context, h *Handoff, in RetrieveInput, limits RetrieveLimits) (*Retrieval, error) {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultRetrieveLimits.MaxFiles
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultRetrieveLimits.MaxBytes
	}

	r := &Retrieval{Keywords: Keywords(h, 24)}
	if len(r.Keywords) == 0 {
		return r, nil
	}

	artifacts, err := listArtifacts(in.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	docs, err := listDocs(in.WorkspaceDir, in.DocGlobs, in.Exclude)
	if err != nil {
		return nil, err
	}

	for _, group := range []struct {
		category string
		root     string
		paths    []string
	}{
		{CategoryArtifact, in.ArtifactsDir, artifacts},
		{CategoryDoc, in.WorkspaceDir, docs},
	} {
		ranked, err := rank(ctx, group.category, group.root, group.paths, r.Keywords)
		if err != nil {
			return nil, err
		}
		r.Files = append(r.Files, capFiles(ranked, limits)...)
	}
	return r, nil
}

// Render formats the retrieval for a prompt.
func (r *Retrieval) Render() string {
	if r == nil || len(r.Files) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(r.Keywords, ", "))
	for _, f := range r.Files {
		fmt.Fprintf(&b, "\n### %s: %s (score %d, %s)\n```\n%s\n```\n",
			f.Category, f.Path, f.Score, humanize.Bytes(uint64(len(f.Content))), strings.TrimRight(f.Content, "\n"))
	}
	return b.String()
}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "attempt": true, "before": true,
	"being": true, "cannot": true, "could": true, "error": true, "errors": true,
	"expected": true, "fail": true, "failed": true, "failure": true, "false": true, "from": true,
	"have": true, "into": true, "line": true, "must": true, "null": true,
	"output": true, "should": true, "that": true, "their": true, "there": true,
	"this": true, "true": true, "when": true, "where": true, "which": true,
	"while": true, "with": true, "would": true,
	// normalization placeholders
	"timestamp": true, "uuid": true, "xxxxxxxx": true, "tmppath": true,
}

// Keywords extracts up to max distinctive terms from the handoff's root
// cause and failure text, most frequent first.
func Keywords(h *Handoff, max int) []string {
	if h == nil {
		return nil
	}
	counts := make(map[string]int)
	var order []string
	add := func(text string, weight int) {
		for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		}) {
			tok = strings.ToLower(tok)
			if len(tok) < 4 || stopwords[tok] || isNumeric(tok) || strings.Trim(tok, "x") == "" {
				continue
			}
			if _, ok := counts[tok]; !ok {
				order = append(order, tok)
			}
			counts[tok] += weight
		}
	}
	add(h.RootCause, 3)
	add(h.FailureText, 1)

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func listArtifacts(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err == nil {
				out = append(out, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifacts %s: %w", dir, err)
	}
	return out, nil
}

func listDocs(workspace string, globs, exclude []string) ([]string, error) {
	if workspace == "" || len(globs) == 0 {
		return nil, nil
	}
	fsys := os.DirFS(workspace)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range globs {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("doc glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || excluded(m, exclude) {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func excluded(p string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, p); ok {
			return true
		}
	}
	return false
}

func rank(ctx context.Context, category, root string, paths, keywords []string) ([]RetrievedFile, error) {
	var out []RetrievedFile
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		full := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		content, err := readHead(full, maxScanBytes)
		if err != nil {
			continue
		}
		lower := strings.ToLower(content)
		score := 0
		for _, kw := range keywords {
			score += strings.Count(lower, kw)
		}
		if score == 0 {
			continue
		}
		out = append(out, RetrievedFile{
			Category: category,
			Path:     p,
			Score:    score,
			Modified: info.ModTime().UTC(),
			Content:  content,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Modified.Equal(out[j].Modified) {
			return out[i].Modified.After(out[j].Modified)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// capFiles keeps at most MaxFiles entries whose contents total MaxBytes,
// truncating the last admitted file to fit.
func capFiles(ranked []RetrievedFile, limits RetrieveLimits) []RetrievedFile {
	var out []RetrievedFile
	remaining := limits.MaxBytes
	for _, f := range ranked {
		if len(out) == limits.MaxFiles || remaining <= 0 {
			break
		}
		if len(f.Content) > remaining {
			f.Content = f.Content[:remaining]
			f.Truncated = true
		}
		remaining -= len(f.Content)
		out = append(out, f)
	}
	return out
}

func readHead(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
