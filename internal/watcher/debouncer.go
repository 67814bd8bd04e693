package watcher

import (
	"os"
	"sync"
	"time"
)

// deleteVerifyDelay is how long a removal waits before the file is checked
// again. Atomic saves recreate the file within this window.
const deleteVerifyDelay = 100 * time.Millisecond

type eventKind int

const (
	kindChange eventKind = iota
	kindDelete
)

type pendingKey struct {
	path string
	kind eventKind
}

// pendingEvent is a scheduled callback. seq identifies the latest schedule so
// a timer that fired while being replaced does nothing.
type pendingEvent struct {
	timer *time.Timer
	seq   uint64
}

// Debouncer coalesces rapid file events per path. Changes fire after a quiet
// interval. Deletes fire only if the file is still missing after a short
// verification delay.
type Debouncer struct {
	mu       sync.Mutex
	pending  map[pendingKey]*pendingEvent
	seq      uint64
	interval time.Duration
	onChange func(path string)
	onDelete func(path string)
	stopped  bool
}

// NewDebouncer creates a debouncer with the given quiet interval.
func NewDebouncer(interval time.Duration, onChange func(path string)) *Debouncer {
	return &Debouncer{
		pending:  make(map[pendingKey]*pendingEvent),
		interval: interval,
		onChange: onChange,
	}
}

// SetDeleteCallback sets the callback for verified delete events.
func (d *Debouncer) SetDeleteCallback(onDelete func(path string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDelete = onDelete
}

// Trigger registers a change for path, restarting its quiet interval.
func (d *Debouncer) Trigger(path string) {
	d.schedule(pendingKey{path, kindChange}, d.interval)
}

// TriggerDelete schedules a delete verification for path.
func (d *Debouncer) TriggerDelete(path string) {
	d.schedule(pendingKey{path, kindDelete}, deleteVerifyDelay)
}

// CancelDelete drops a pending delete verification, for a file that was
// recreated.
func (d *Debouncer) CancelDelete(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked(pendingKey{path, kindDelete})
}

func (d *Debouncer) schedule(key pendingKey, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.cancelLocked(key)
	d.seq++
	seq := d.seq
	d.pending[key] = &pendingEvent{
		seq:   seq,
		timer: time.AfterFunc(delay, func() { d.fire(key, seq) }),
	}
}

func (d *Debouncer) cancelLocked(key pendingKey) {
	if ev, ok := d.pending[key]; ok {
		ev.timer.Stop()
		delete(d.pending, key)
	}
}

// fire runs the callback for key unless it was rescheduled or cancelled.
// Callbacks run outside the lock.
func (d *Debouncer) fire(key pendingKey, seq uint64) {
	d.mu.Lock()
	ev, ok := d.pending[key]
	if !ok || ev.seq != seq || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	onChange, onDelete := d.onChange, d.onDelete
	d.mu.Unlock()

	switch key.kind {
	case kindChange:
		onChange(key.path)
	case kindDelete:
		// Still present: rename or atomic save.
		if _, err := os.Stat(key.path); err == nil {
			return
		}
		if onDelete != nil {
			onDelete(key.path)
		}
	}
}

// Stop cancels all pending timers and prevents new events.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key := range d.pending {
		d.cancelLocked(key)
	}
}

// PendingCount returns the number of pending change events.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key := range d.pending {
		if key.kind == kindChange {
			n++
		}
	}
	return n
}
