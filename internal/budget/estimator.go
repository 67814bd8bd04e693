package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/drydock/internal/watcher"
)

// Estimator serves budget decisions from the current calibration table.
// The table may be swapped at any time by Reload; readers always see a
// complete table.
type Estimator struct {
	table   atomic.Pointer[Table]
	path    string
	logger  *slog.Logger
	reloads singleflight.Group
}

// NewEstimator returns an estimator over a fixed table.
func NewEstimator(t *Table, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if t == nil {
		t = DefaultTable()
	}
	e := &Estimator{logger: logger}
	e.table.Store(t)
	return e
}

// OpenEstimator loads the table at path (empty for the embedded default).
func OpenEstimator(path string, logger *slog.Logger) (*Estimator, error) {
	t, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	e := NewEstimator(t, logger)
	e.path = path
	return e, nil
}

// Table returns the table currently in effect.
func (e *Estimator) Table() *Table {
	return e.table.Load()
}

// Path returns the operator table file, or "" for the embedded default.
func (e *Estimator) Path() string {
	return e.path
}

// Estimate returns the selected budget for a phase.
func (e *Estimator) Estimate(category, complexity string, deliverableCount int) int {
	return e.Table().Estimate(category, complexity, deliverableCount)
}

// Escalate returns the next budget on the ladder, capped at ceiling.
func (e *Estimator) Escalate(current, step, ceiling int) int {
	return e.Table().Escalate(current, step, ceiling)
}

// Reload re-reads the table file. Concurrent calls share one read. On error
// the previous table stays in effect.
func (e *Estimator) Reload() error {
	if e.path == "" {
		return nil
	}
	_, err, _ := e.reloads.Do(e.path, func() (any, error) {
		t, err := LoadTable(e.path)
		if err != nil {
			return nil, err
		}
		e.table.Store(t)
		return t, nil
	})
	if err != nil {
		e.logger.Warn("calibration table reload failed, keeping previous table", "path", e.path, "error", err)
		return fmt.Errorf("reload calibration table: %w", err)
	}
	e.logger.Info("calibration table reloaded", "path", e.path)
	return nil
}

// Watch reloads the table whenever its file content changes. Blocks until
// ctx is cancelled. A no-op when the estimator uses the embedded table.
func (e *Estimator) Watch(ctx context.Context) error {
	if e.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	w, err := watcher.New(&watcher.Config{
		Paths:    []string{e.path},
		Logger:   e.logger,
		Debounce: 250 * time.Millisecond,
		OnChange: func(string) { _ = e.Reload() },
		OnRemove: func(path string) {
			e.logger.Warn("calibration table removed, keeping last loaded table", "path", path)
		},
	})
	if err != nil {
		return fmt.Errorf("watch calibration table: %w", err)
	}
	return w.Start(ctx)
}
