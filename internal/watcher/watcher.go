// Package watcher provides debounced file watching for configuration files
// that are hot-reloaded, such as the calibration table.
// It watches each file's parent directory so that atomic saves and renames
// are observed, and only reports changes that alter the file's content.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config configures the file watcher.
type Config struct {
	// Paths are the files to watch. They need not exist yet.
	Paths    []string
	Logger   *slog.Logger
	Debounce time.Duration // default: 500ms
	// OnChange is called with the path after its content changed.
	OnChange func(path string)
	// OnRemove is called when a watched file is deleted and not recreated.
	OnRemove func(path string)
}

// Watcher monitors a fixed set of files for content changes.
type Watcher struct {
	paths    map[string]bool
	logger   *slog.Logger
	onChange func(path string)
	onRemove func(path string)

	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	// Content hashing to detect meaningful changes
	hashes   map[string]string
	hashesMu sync.RWMutex

	// Lifecycle
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new file watcher.
func New(cfg *Config) (*Watcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("at least one path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		paths:     make(map[string]bool, len(cfg.Paths)),
		logger:    logger,
		onChange:  cfg.OnChange,
		onRemove:  cfg.OnRemove,
		fsWatcher: fsWatcher,
		hashes:    make(map[string]string),
		done:      make(chan struct{}),
	}
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsWatcher.Close()
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.paths[abs] = true
	}

	w.debouncer = NewDebouncer(debounce, w.handleDebouncedEvent)
	w.debouncer.SetDeleteCallback(w.handleRemoved)

	return w, nil
}

// Start begins watching. Blocks until ctx is cancelled or the watcher is
// stopped.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := make(map[string]bool)
	for p := range w.paths {
		// Seed hashes so the first write that keeps the content is ignored.
		if h, err := hashFile(p); err == nil {
			w.setHash(p, h)
		}
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Debug("watching directory", "path", dir)
	}

	w.logger.Info("file watcher started", "files", len(w.paths))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopping", "reason", "context cancelled")
			_ = w.Stop()
			return ctx.Err()

		case <-w.done:
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.debouncer.Stop()
		if cerr := w.fsWatcher.Close(); cerr != nil {
			err = fmt.Errorf("close fsnotify watcher: %w", cerr)
		}
		w.logger.Info("file watcher stopped")
	})
	return err
}

// Done returns a channel that's closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// handleFSEvent processes a raw fsnotify event.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path, err := filepath.Abs(event.Name)
	if err != nil || !w.paths[path] {
		return
	}

	w.logger.Debug("fs event", "op", event.Op.String(), "path", path)

	// fsnotify reports Remove and Rename for deletions, renames and atomic
	// saves alike. Verify after a short delay.
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.debouncer.TriggerDelete(path)
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		w.debouncer.CancelDelete(path)
		w.debouncer.Trigger(path)
	}
}

// handleDebouncedEvent fires the change callback when the content differs.
func (w *Watcher) handleDebouncedEvent(path string) {
	changed, err := w.updateHash(path)
	if err != nil {
		w.logger.Debug("failed to hash watched file", "path", path, "error", err)
		return
	}
	if !changed {
		return
	}
	w.onChange(path)
}

func (w *Watcher) handleRemoved(path string) {
	w.removeHash(path)
	if w.onRemove != nil {
		w.onRemove(path)
	}
}

// updateHash computes the file hash and reports whether it changed.
// Updates the stored hash if changed.
func (w *Watcher) updateHash(path string) (bool, error) {
	newHash, err := hashFile(path)
	if err != nil {
		return false, err
	}

	w.hashesMu.Lock()
	defer w.hashesMu.Unlock()

	oldHash, exists := w.hashes[path]
	if exists && oldHash == newHash {
		return false, nil
	}
	w.hashes[path] = newHash
	return true, nil
}

func (w *Watcher) setHash(path, hash string) {
	w.hashesMu.Lock()
	defer w.hashesMu.Unlock()
	w.hashes[path] = hash
}

// removeHash removes the hash for a path.
func (w *Watcher) removeHash(path string) {
	w.hashesMu.Lock()
	defer w.hashesMu.Unlock()
	delete(w.hashes, path)
}

// hashFile computes the SHA256 hash of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
