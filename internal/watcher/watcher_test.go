package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures callback paths (thread-safe).
type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestNew(t *testing.T) {
	t.Run("requires paths", func(t *testing.T) {
		_, err := New(&Config{OnChange: func(string) {}})
		assert.Error(t, err)
	})

	t.Run("requires change callback", func(t *testing.T) {
		_, err := New(&Config{Paths: []string{"table.yaml"}})
		assert.Error(t, err)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("creates watcher", func(t *testing.T) {
		w, err := New(&Config{
			Paths:    []string{filepath.Join(t.TempDir(), "table.yaml")},
			OnChange: func(string) {},
		})
		require.NoError(t, err)
		require.NoError(t, w.Stop())
		// Second stop is a no-op.
		require.NoError(t, w.Stop())
	})
}

func TestDebouncer(t *testing.T) {
	t.Run("triggers callback after interval", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(50*time.Millisecond, rec.record)

		d.Trigger("/test/path")
		assert.Equal(t, 0, rec.count(), "should not fire immediately")

		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
		d.Stop()
	})

	t.Run("resets timer on repeated triggers", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(100*time.Millisecond, rec.record)

		d.Trigger("/path")
		time.Sleep(30 * time.Millisecond)
		d.Trigger("/path")
		time.Sleep(30 * time.Millisecond)
		d.Trigger("/path")

		time.Sleep(250 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
		d.Stop()
	})

	t.Run("handles paths independently", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(50*time.Millisecond, rec.record)

		d.Trigger("/path1")
		d.Trigger("/path2")

		require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
		d.Stop()
	})

	t.Run("stop cancels pending timers", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(100*time.Millisecond, rec.record)

		d.Trigger("/path")
		d.Stop()

		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, 0, rec.count())
		assert.Equal(t, 0, d.PendingCount())
	})
}

func TestDebouncer_Delete(t *testing.T) {
	t.Run("does not fire for a file that still exists", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(50*time.Millisecond, func(string) {})
		d.SetDeleteCallback(rec.record)

		tmpFile := filepath.Join(t.TempDir(), "table.yaml")
		require.NoError(t, os.WriteFile(tmpFile, []byte("x"), 0644))

		d.TriggerDelete(tmpFile)
		time.Sleep(200 * time.Millisecond)

		assert.Equal(t, 0, rec.count(), "should not fire callback for existing file")
		d.Stop()
	})

	t.Run("fires when file is actually gone", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(50*time.Millisecond, func(string) {})
		d.SetDeleteCallback(rec.record)

		d.TriggerDelete(filepath.Join(t.TempDir(), "missing.yaml"))

		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
		d.Stop()
	})

	t.Run("cancel prevents callback", func(t *testing.T) {
		rec := &recorder{}
		d := NewDebouncer(50*time.Millisecond, func(string) {})
		d.SetDeleteCallback(rec.record)

		d.TriggerDelete(filepath.Join(t.TempDir(), "missing.yaml"))
		d.CancelDelete(filepath.Join(t.TempDir(), "other.yaml"))
		d.Stop()

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 0, rec.count())
	})
}

func TestWatcher_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	t.Run("reports content changes only", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "table.yaml")
		require.NoError(t, os.WriteFile(path, []byte("per_deliverable: 2048\n"), 0644))

		changes := &recorder{}
		w, err := New(&Config{
			Paths:    []string{path},
			Debounce: 50 * time.Millisecond,
			OnChange: changes.record,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Start(ctx) }()
		time.Sleep(100 * time.Millisecond)

		// Same content: ignored.
		require.NoError(t, os.WriteFile(path, []byte("per_deliverable: 2048\n"), 0644))
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 0, changes.count())

		// New content: reported once.
		require.NoError(t, os.WriteFile(path, []byte("per_deliverable: 4096\n"), 0644))
		require.Eventually(t, func() bool { return changes.count() == 1 }, 2*time.Second, 20*time.Millisecond)

		// Unrelated sibling files never fire.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("a: 1\n"), 0644))
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 1, changes.count())

		require.NoError(t, w.Stop())
	})

	t.Run("reports removal", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "table.yaml")
		require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0644))

		removed := &recorder{}
		w, err := New(&Config{
			Paths:    []string{path},
			Debounce: 50 * time.Millisecond,
			OnChange: func(string) {},
			OnRemove: removed.record,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Start(ctx) }()
		time.Sleep(100 * time.Millisecond)

		require.NoError(t, os.Remove(path))
		require.Eventually(t, func() bool { return removed.count() == 1 }, 2*time.Second, 20*time.Millisecond)

		require.NoError(t, w.Stop())
	})
}
