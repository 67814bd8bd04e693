package drain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/generation"
	"github.com/randalmurphal/drydock/internal/lease"
	"github.com/randalmurphal/drydock/internal/lifecycle"
)

func failing(n int) []db.TestPhaseSpec {
	specs := make([]db.TestPhaseSpec, n)
	for i := range specs {
		specs[i] = db.TestPhaseSpec{Scope: []string{"out.txt"}, State: db.PhaseFailed}
	}
	return specs
}

type fixture struct {
	store  *db.Store
	leases *lease.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewTestDB(t)
	return &fixture{store: store, leases: lease.NewManager(store, "drain-test", time.Minute, nil)}
}

func (f *fixture) drainer(t *testing.T, ep generation.Endpoint, cfg Config) *Drainer {
	t.Helper()
	ctl := lifecycle.NewController(f.store, f.leases, ep, lifecycle.Config{
		MaxBuilderAttempts:      1,
		ProviderCeiling:         32000,
		FullFileMaxDeliverables: 3,
		ArtifactsDir:            t.TempDir(),
		WorkspaceDir:            t.TempDir(),
	})
	return New(f.store, f.leases, ctl, cfg, nil)
}

func unavailable() generation.Endpoint {
	return generation.EndpointFunc(func(context.Context, generation.Request) (*generation.Response, error) {
		return nil, errors.New("provider unavailable")
	})
}

func TestPickNext_RefusesRunWithQueuedPhase(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	blocked, _ := db.SeedTestRun(t, f.store, append(failing(5), db.TestPhaseSpec{State: db.PhaseQueued})...)
	open, openPhases := db.SeedTestRun(t, f.store, failing(1)...)

	d := f.drainer(t, unavailable(), Config{})
	cands, err := d.Candidates(ctx, NewSession())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, open.ID, cands[0].Run.ID)
	assert.Equal(t, openPhases[0].ID, cands[0].Phase.ID)

	d = f.drainer(t, unavailable(), Config{AllowMultipleQueued: true})
	cand, err := d.PickNext(ctx, NewSession())
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, blocked.ID, cand.Run.ID)
}

func TestPickNext_Priority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sampled, _ := db.SeedTestRun(t, f.store, failing(1)...)
	promising, _ := db.SeedTestRun(t, f.store, failing(1)...)
	fresh, freshPhases := db.SeedTestRun(t, f.store, failing(2)...)

	s := NewSession()
	s.Sampled[sampled.ID] = true
	s.Sampled[promising.ID] = true
	s.Promising[promising.ID] = true

	cands, err := f.drainer(t, unavailable(), Config{}).Candidates(ctx, s)
	require.NoError(t, err)
	require.Len(t, cands, 4)
	assert.Equal(t, fresh.ID, cands[0].Run.ID)
	assert.Equal(t, freshPhases[0].ID, cands[0].Phase.ID)
	assert.Equal(t, freshPhases[1].ID, cands[1].Phase.ID)
	assert.Equal(t, promising.ID, cands[2].Run.ID)
	assert.Equal(t, sampled.ID, cands[3].Run.ID)
}

func TestPickNext_Eligibility(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	depri, _ := db.SeedTestRun(t, f.store, failing(1)...)
	skipped, _ := db.SeedTestRun(t, f.store, failing(1)...)
	slow, _ := db.SeedTestRun(t, f.store, failing(1)...)
	_, tried := db.SeedTestRun(t, f.store, failing(1)...)
	archived, _ := db.SeedTestRun(t, f.store, failing(1)...)
	require.NoError(t, f.store.ArchiveRun(ctx, archived.ID, time.Minute, "test"))

	s := NewSession()
	s.Deprioritized[depri.ID] = true
	s.LeaseSkipped[skipped.ID] = true
	s.RunTimeouts[slow.ID] = 2
	s.PhaseAttempts[tried[0].ID] = 2

	d := f.drainer(t, unavailable(), Config{MaxAttemptsPerPhase: 2, MaxTimeoutsPerRun: 2})
	cands, err := d.Candidates(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, cands)

	d = f.drainer(t, unavailable(), Config{MaxAttemptsPerPhase: 2, MaxTimeoutsPerRun: 2, IncludeDeprioritized: true})
	cands, err = d.Candidates(ctx, s)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, depri.ID, cands[0].Run.ID)
}

func TestRun_HaltsAfterConsecutiveZeroYield(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for range 12 {
		db.SeedTestRun(t, f.store, failing(1)...)
	}
	stateDir := t.TempDir()

	d := f.drainer(t, unavailable(), Config{ZeroYieldCap: 10, MaxAttemptsPerPhase: 1, StateDir: stateDir})
	s := NewSession()
	report, err := d.Run(context.Background(), s)
	require.Error(t, err)
	assert.True(t, dderrors.HasCode(err, dderrors.CodeSessionHalted))
	assert.Equal(t, 2, dderrors.ExitCodeFor(err))

	assert.Equal(t, 10, report.Drained)
	assert.True(t, report.Halted)
	assert.Equal(t, StopZeroYield, report.StopReason)
	assert.Equal(t, 10, report.ZeroYield[ReasonReachedBoundaryFailed])
	for _, o := range report.Outcomes {
		assert.NotEmpty(t, o.ZeroYieldReason, "phase %s has no zero-yield reason", o.PhaseID)
	}

	saved, err := LoadSession(stateDir, s.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Outcomes, 10)
	assert.Zero(t, saved.ZeroYieldStreak)
	assert.False(t, saved.Halted)
}

func TestRun_SuccessfulSampleIsPromising(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run, ps := db.SeedTestRun(t, f.store, failing(1)...)
	ep := generation.EndpointFunc(func(context.Context, generation.Request) (*generation.Response, error) {
		return &generation.Response{
			Text:         "path: out.txt\n```\ndone\n```\n",
			InputTokens:  10,
			OutputTokens: 5,
			StopReason:   "end_turn",
		}, nil
	})

	report, err := f.drainer(t, ep, Config{ZeroYieldCap: 1}).Run(context.Background(), NewSession())
	require.NoError(t, err)
	assert.Equal(t, StopNoCandidates, report.StopReason)
	require.Len(t, report.Outcomes, 1)
	out := report.Outcomes[0]
	assert.Equal(t, ps[0].ID, out.PhaseID)
	assert.Equal(t, VerdictPromising, out.Verdict)
	assert.Equal(t, 1, out.Yield)
	assert.Empty(t, out.ZeroYieldReason)
	assert.Equal(t, []string{run.ID}, report.Promising)
	assert.Equal(t, 1, report.Completed)
}

func TestRun_RepeatedFingerprintDeprioritizesRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	run, _ := db.SeedTestRun(t, f.store, failing(3)...)

	report, err := f.drainer(t, unavailable(), Config{MaxAttemptsPerPhase: 1}).Run(context.Background(), NewSession())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drained)
	assert.Equal(t, VerdictNeutral, report.Outcomes[0].Verdict)
	assert.Equal(t, VerdictDeprioritized, report.Outcomes[1].Verdict)
	assert.Equal(t, []string{run.ID}, report.Deprioritized)
}

func TestRun_LeaseConflictSkipsRunWithoutStreak(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	run, _ := db.SeedTestRun(t, f.store, failing(2)...)
	_, err := lease.NewManager(f.store, "someone-else", time.Minute, nil).Acquire(ctx, run.ID)
	require.NoError(t, err)

	report, err := f.drainer(t, unavailable(), Config{ZeroYieldCap: 1}).Run(ctx, NewSession())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Drained)
	assert.Equal(t, []string{run.ID}, report.LeaseSkipped)
	assert.Equal(t, ReasonFailedBeforeDispatch, report.Outcomes[0].ZeroYieldReason)
	assert.Equal(t, StopNoCandidates, report.StopReason)
}

func TestRun_BatchSize(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for range 3 {
		db.SeedTestRun(t, f.store, failing(1)...)
	}

	report, err := f.drainer(t, unavailable(), Config{BatchSize: 2}).Run(context.Background(), NewSession())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Drained)
	assert.Equal(t, StopBatchSize, report.StopReason)
	assert.False(t, report.Halted)
}

func TestEvaluateSample(t *testing.T) {
	t.Parallel()
	complete := &lifecycle.Result{State: db.PhaseComplete}
	failed := &lifecycle.Result{State: db.PhaseFailed, Dispatched: 1}

	tests := []struct {
		name     string
		res      *lifecycle.Result
		yield    int
		timedOut bool
		known    bool
		want     Verdict
	}{
		{"success", complete, 0, false, true, VerdictPromising},
		{"telemetry yield", failed, 2, false, true, VerdictPromising},
		{"fresh timeout", failed, 0, true, false, VerdictPromising},
		{"known zero yield", failed, 0, false, true, VerdictDeprioritized},
		{"known timeout", failed, 0, true, true, VerdictNeutral},
		{"new failure", failed, 0, false, false, VerdictNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateSample(tt.res, tt.yield, tt.timedOut, tt.known))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.Empty(t, classify(&lifecycle.Result{Dispatched: 1}, 1, false))
	assert.Equal(t, ReasonTimeout, classify(&lifecycle.Result{Dispatched: 1}, 0, true))
	assert.Equal(t, ReasonFailedBeforeDispatch, classify(nil, 0, false))
	assert.Equal(t, ReasonSuccessNoDispatch, classify(&lifecycle.Result{NoOp: true}, 0, false))
	assert.Equal(t, ReasonFailedBeforeDispatch, classify(&lifecycle.Result{}, 0, false))
	assert.Equal(t, ReasonReachedBoundaryFailed, classify(&lifecycle.Result{Dispatched: 1}, 0, false))
}
