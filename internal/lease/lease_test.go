package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

func TestAcquire_FreshAndOwn(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	m := NewManager(store, "h1", time.Minute, nil)
	l, err := m.Acquire(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "h1", l.Holder)

	// Re-acquiring our own lease refreshes it.
	_, err = m.Acquire(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, m.Verify(ctx, run.ID))
}

func TestAcquire_LiveForeignLeaseConflicts(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	_, err := NewManager(store, "h1", time.Minute, nil).Acquire(ctx, run.ID)
	require.NoError(t, err)

	_, err = NewManager(store, "h2", time.Minute, nil).Acquire(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, dderrors.HasCode(err, dderrors.CodeLeaseConflict))
}

func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewManager(store, "", time.Minute, nil)
			_, errs[i] = m.Acquire(ctx, run.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestAcquire_StaleTakeoverAbandonsInFlight(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	run, phases := db.SeedTestRun(t, store, db.TestPhaseSpec{State: db.PhaseExecuting})
	ph := phases[0]

	old := NewManager(store, "old@host:1:aaaaaaaa", time.Minute, nil)
	_, err := old.Acquire(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, old.SetInFlight(ctx, run.ID, ph.ID))
	att := &db.Attempt{PhaseID: ph.ID, RunID: run.ID, AttemptNumber: 1, RepresentationMode: "full_file", Holder: old.Holder()}
	require.NoError(t, store.InsertPendingAttempt(ctx, att))

	now = now.Add(2 * time.Minute)
	m := NewManager(store, "new@host:2:bbbbbbbb", time.Minute, nil)
	l, err := m.Acquire(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Holder(), l.Holder)

	got, err := store.GetPhase(ctx, ph.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseFailed, got.State)
	assert.Equal(t, "abandoned by old@host:1:aaaaaaaa", got.LastFailureReason)
	assert.Equal(t, StopCodeAbandoned, got.LastStopCode)
	assert.True(t, strings.HasPrefix(got.LastErrorFingerprint, "abandoned:"))
	assert.Equal(t, att.ID, got.LastOutputRef)

	a, err := store.GetAttempt(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OutcomeAbandoned, a.Outcome)

	events, err := store.ListRunEvents(ctx, run.ID)
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, db.EventAbandoned)
	assert.Contains(t, kinds, db.EventTakeover)

	// The previous holder can no longer renew.
	err = old.Renew(ctx, run.ID)
	assert.True(t, errors.Is(err, ErrLost))
}

func TestRelease(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	h1 := NewManager(store, "h1", time.Minute, nil)
	h2 := NewManager(store, "h2", time.Minute, nil)
	_, err := h1.Acquire(ctx, run.ID)
	require.NoError(t, err)

	// Someone else's release leaves the lease in place.
	require.NoError(t, h2.Release(ctx, run.ID))
	require.NoError(t, h1.Verify(ctx, run.ID))

	require.NoError(t, h1.Release(ctx, run.ID))
	assert.True(t, errors.Is(h1.Verify(ctx, run.ID), ErrLost))

	_, err = h2.Acquire(ctx, run.ID)
	require.NoError(t, err)
}

func TestAcquire_ArchivedRunRefused(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})
	require.NoError(t, store.ArchiveRun(ctx, run.ID, time.Minute, "test"))

	_, err := NewManager(store, "h1", time.Minute, nil).Acquire(ctx, run.ID)
	assert.True(t, dderrors.HasCode(err, dderrors.CodeRunArchived))
}

func TestHold_ReturnsWorkResult(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	m := NewManager(store, "h1", time.Second, nil)
	_, err := m.Acquire(ctx, run.ID)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.Hold(ctx, run.ID, 10*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, m.Verify(ctx, run.ID))
}

func TestHold_CancelsWorkWhenLeaseLost(t *testing.T) {
	t.Parallel()
	store := db.NewTestDB(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, store, db.TestPhaseSpec{})

	m := NewManager(store, "h1", time.Second, nil)
	_, err := m.Acquire(ctx, run.ID)
	require.NoError(t, err)

	started := make(chan struct{})
	go func() {
		<-started
		_, _ = store.ForceDeleteLease(ctx, run.ID)
	}()

	err = m.Hold(ctx, run.ID, 10*time.Millisecond, func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLost))
	assert.True(t, dderrors.HasCode(err, dderrors.CodeLeaseLost))
}

func TestNewHolderID_Unique(t *testing.T) {
	t.Parallel()
	a, b := NewHolderID(), NewHolderID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "@")
}
