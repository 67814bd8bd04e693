package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_File(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := t.TempDir() + "/nested/drydock.db"

	store, err := OpenStore(ctx, path, "sqlite")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening re-runs migrations idempotently.
	store, err = OpenStore(ctx, path, "sqlite")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunCreationOrder(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	var ids []string
	for i := 0; i < 4; i++ {
		r := &Run{Name: "r"}
		require.NoError(t, store.CreateRun(ctx, r))
		ids = append(ids, r.ID)
	}

	runs, err := store.ListRuns(ctx, false)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i, r := range runs {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRemainingTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(-1), (&Run{}).RemainingTokens())
	assert.Equal(t, int64(400), (&Run{TokenCap: 1000, TokensUsed: 600}).RemainingTokens())
	assert.Equal(t, int64(0), (&Run{TokenCap: 1000, TokensUsed: 1600}).RemainingTokens())
}

func TestArchiveRun_RefusesLiveLease(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	run, _ := SeedTestRun(t, store, TestPhaseSpec{})

	_, err := store.InsertLease(ctx, run.ID, "someone")
	require.NoError(t, err)

	err = store.ArchiveRun(ctx, run.ID, time.Minute, "test")
	assert.True(t, errors.Is(err, ErrLiveLease))

	_, err = store.DeleteLease(ctx, run.ID, "someone")
	require.NoError(t, err)
	require.NoError(t, store.ArchiveRun(ctx, run.ID, time.Minute, "test"))

	runs, err := store.ListRuns(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, runs)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)
}

func TestTierSummaries(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	run, _ := SeedTestRun(t, store,
		TestPhaseSpec{State: PhaseComplete},
		TestPhaseSpec{State: PhaseFailed},
		TestPhaseSpec{State: PhaseFailed},
		TestPhaseSpec{State: PhaseQueued},
	)

	tiers, err := store.ListTierSummaries(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, 4, tiers[0].Total)
	assert.Equal(t, 1, tiers[0].Complete)
	assert.Equal(t, 2, tiers[0].Failed)
}

func TestAttemptCompletesOnce(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	run, phases := SeedTestRun(t, store, TestPhaseSpec{State: PhaseExecuting})

	a := &Attempt{PhaseID: phases[0].ID, RunID: run.ID, AttemptNumber: 1, SelectedBudget: 8192, ActualMaxTokens: 8192, RepresentationMode: "full_file"}
	require.NoError(t, store.InsertPendingAttempt(ctx, a))

	got, err := store.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, got.Outcome)
	assert.Nil(t, got.CompletedAt)

	res := AttemptResult{Outcome: OutcomeSuccess, ActualOutputTokens: 1200, InputTokens: 300, Duration: 2 * time.Second}
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		return CompleteAttemptTx(tx, a.ID, res)
	}))

	err = store.RunInTx(ctx, func(tx *TxOps) error {
		return CompleteAttemptTx(tx, a.ID, AttemptResult{Outcome: OutcomeFailure})
	})
	assert.True(t, errors.Is(err, ErrConcurrentModification))

	got, err = store.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, got.Outcome)
	assert.Equal(t, 1200, got.ActualOutputTokens)
	assert.Equal(t, int64(2000), got.DurationMS)
	assert.NotNil(t, got.CompletedAt)
}

func TestAbandonPendingAttempts(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	run, phases := SeedTestRun(t, store, TestPhaseSpec{State: PhaseExecuting})

	a := &Attempt{PhaseID: phases[0].ID, RunID: run.ID, AttemptNumber: 1, RepresentationMode: "full_file"}
	require.NoError(t, store.InsertPendingAttempt(ctx, a))

	var n int64
	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		var err error
		n, err = AbandonPendingAttemptsTx(tx, phases[0].ID, "abandoned by h1")
		return err
	}))
	assert.Equal(t, int64(1), n)

	got, err := store.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, got.Outcome)
	assert.Equal(t, "abandoned by h1", got.StopReason)
}

func TestTelemetryWatermark(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	run, phases := SeedTestRun(t, store, TestPhaseSpec{}, TestPhaseSpec{})

	insert := func(phaseID string, success bool) {
		require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
			return InsertTokenEventTx(tx, &TokenEstimationEvent{
				RunID: run.ID, PhaseID: phaseID, AttemptID: "a", Category: "docs", Complexity: "low",
				DeliverableCount: 1, SelectedBudget: 4096, ActualMaxTokens: 4096, ActualOutputTokens: 900, Success: success,
			})
		}))
	}

	insert(phases[0].ID, true)
	mark, err := store.TelemetryWatermark(ctx)
	require.NoError(t, err)

	insert(phases[0].ID, false)
	insert(phases[1].ID, true)

	n, err := store.CountTelemetrySince(ctx, phases[0].ID, mark)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	samples, err := store.ListCalibrationSamples(ctx)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestLeaseRowOperations(t *testing.T) {
	t.Parallel()
	store := NewTestDB(t)
	ctx := context.Background()
	run, _ := SeedTestRun(t, store, TestPhaseSpec{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	l, err := store.InsertLease(ctx, run.ID, "h1")
	require.NoError(t, err)

	_, err = store.InsertLease(ctx, run.ID, "h2")
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	now = now.Add(time.Second)
	require.NoError(t, store.HeartbeatLease(ctx, run.ID, "h1"))
	assert.True(t, errors.Is(store.HeartbeatLease(ctx, run.ID, "h2"), ErrConcurrentModification))

	cur, err := store.GetLease(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "h1", cur.Holder)
	assert.False(t, cur.IsStale(now, time.Minute))
	assert.True(t, cur.IsStale(now.Add(2*time.Minute), time.Minute))

	// CAS on a stale snapshot fails.
	err = store.RunInTx(ctx, func(tx *TxOps) error {
		_, err := TakeOverLeaseTx(tx, l, "h2")
		return err
	})
	assert.True(t, errors.Is(err, ErrConcurrentModification))

	require.NoError(t, store.RunInTx(ctx, func(tx *TxOps) error {
		fresh, err := GetLeaseTx(tx, run.ID)
		if err != nil {
			return err
		}
		_, err = TakeOverLeaseTx(tx, fresh, "h3")
		return err
	}))
	cur, err = store.GetLease(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "h3", cur.Holder)

	removed, err := store.DeleteLease(ctx, run.ID, "h1")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = store.DeleteLease(ctx, run.ID, "h3")
	require.NoError(t, err)
	assert.True(t, removed)
}
