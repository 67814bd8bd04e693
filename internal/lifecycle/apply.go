package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/drydock/internal/recovery"
)

// ApplyError is an artifact edit that could not be applied. It classifies as
// a validation failure.
type ApplyError struct {
	Path   string
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %s", e.Path, e.Reason)
}

// snapshot is a file's content before an artifact touched it.
type snapshot struct {
	existed bool
	content []byte
	mode    fs.FileMode
}

// applied records what an artifact changed so it can be undone.
type applied struct {
	workspace string
	before    map[string]snapshot
	paths     []string
}

// Restore puts every touched file back as it was.
func (a *applied) Restore() error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, p := range a.paths {
		full := filepath.Join(a.workspace, filepath.FromSlash(p))
		s := a.before[p]
		if !s.existed {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := writeFileAtomic(full, s.content, s.mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyArtifact resolves every edit in memory first, so a search miss leaves
// the workspace untouched, then writes the results.
func applyArtifact(workspace string, art *recovery.Artifact) (*applied, error) {
	a := &applied{workspace: workspace, before: make(map[string]snapshot)}
	next := make(map[string]string)

	for _, e := range art.Edits {
		full := filepath.Join(workspace, filepath.FromSlash(e.Path))
		if _, seen := a.before[e.Path]; !seen {
			s, err := readSnapshot(full)
			if err != nil {
				return nil, &ApplyError{Path: e.Path, Reason: err.Error()}
			}
			a.before[e.Path] = s
			a.paths = append(a.paths, e.Path)
			if s.existed {
				next[e.Path] = string(s.content)
			}
		}

		if e.Whole {
			next[e.Path] = e.Content
			continue
		}
		cur, ok := next[e.Path]
		if !ok {
			return nil, &ApplyError{Path: e.Path, Reason: "search edit targets a file that does not exist"}
		}
		switch n := strings.Count(cur, e.Search); n {
		case 0:
			return nil, &ApplyError{Path: e.Path, Reason: "search text not found"}
		case 1:
			next[e.Path] = strings.Replace(cur, e.Search, e.Replace, 1)
		default:
			return nil, &ApplyError{Path: e.Path, Reason: fmt.Sprintf("search text matches %d times", n)}
		}
	}

	for i, p := range a.paths {
		full := filepath.Join(workspace, filepath.FromSlash(p))
		mode := a.before[p].mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			_ = (&applied{workspace: workspace, before: a.before, paths: a.paths[:i]}).Restore()
			return nil, fmt.Errorf("create directory for %s: %w", p, err)
		}
		if err := writeFileAtomic(full, []byte(next[p]), mode); err != nil {
			_ = (&applied{workspace: workspace, before: a.before, paths: a.paths[:i]}).Restore()
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
	}
	return a, nil
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return snapshot{}, nil
	}
	if err != nil {
		return snapshot{}, err
	}
	if info.IsDir() {
		return snapshot{}, errors.New("path is a directory")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{existed: true, content: data, mode: info.Mode().Perm()}, nil
}

// writeFileAtomic writes through a temp file and rename.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp := path + ".drydock.tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// missingDeliverables returns the scope globs no artifact path matches.
func missingDeliverables(scope, paths []string) []string {
	var missing []string
	for _, glob := range scope {
		matched := false
		for _, p := range paths {
			if ok, _ := doublestar.Match(glob, p); ok {
				matched = true
				break
			}
		}
		if !matched {
			missing = append(missing, glob)
		}
	}
	return missing
}

// promptFile is a current workspace file shown to the generator.
type promptFile struct {
	Path    string
	Content string
}

// currentFiles collects existing workspace files matching the scope globs,
// bounded in count and bytes.
func currentFiles(workspace string, scope []string, maxFiles, maxBytes int) []promptFile {
	if workspace == "" || len(scope) == 0 {
		return nil
	}
	fsys := os.DirFS(workspace)
	seen := make(map[string]bool)
	var out []promptFile
	remaining := maxBytes
	for _, glob := range scope {
		matches, err := doublestar.Glob(fsys, glob, doublestar.WithFilesOnly())
		if err != nil {
			continue
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			if len(out) == maxFiles {
				return out
			}
			data, err := fs.ReadFile(fsys, m)
			if err != nil || len(data) > remaining {
				continue
			}
			remaining -= len(data)
			out = append(out, promptFile{Path: m, Content: strings.TrimRight(string(data), "\n")})
		}
	}
	return out
}
