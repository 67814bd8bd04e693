// Package drain walks a backlog of FAILED phases across runs. It samples each
// run first, keeps retrying runs whose samples look promising, deprioritizes
// runs that repeat a known failure without producing telemetry and halts the
// session when a systemic stop condition trips.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/drydock/internal/config"
	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/lease"
	"github.com/randalmurphal/drydock/internal/lifecycle"
)

// Executor is the part of the lifecycle controller the drain loop drives.
type Executor interface {
	RetryPhase(ctx context.Context, phaseID string, opts lifecycle.RetryOptions) error
	ExecutePhase(ctx context.Context, runID, phaseID string) (*lifecycle.Result, error)
}

// Config holds the session's stop conditions. A zero value disables a limit.
type Config struct {
	BatchSize            int
	PhaseTimeout         time.Duration
	MaxAttemptsPerPhase  int
	FingerprintRepeatCap int
	ZeroYieldCap         int
	MaxWallClock         time.Duration
	MaxTimeoutsPerRun    int
	AllowMultipleQueued  bool
	IncludeDeprioritized bool
	// RunFilter restricts the session to these run ids when non-empty.
	RunFilter []string
	// StateDir holds session artifacts; empty disables persistence.
	StateDir string
}

// ConfigFrom maps the loaded drain settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BatchSize:            cfg.Drain.BatchSize,
		PhaseTimeout:         cfg.Drain.PhaseTimeout,
		MaxAttemptsPerPhase:  cfg.Drain.MaxAttemptsPerPhase,
		FingerprintRepeatCap: cfg.Drain.FingerprintRepeatCap,
		ZeroYieldCap:         cfg.Drain.ZeroYieldCap,
		MaxWallClock:         cfg.Drain.MaxWallClock,
		MaxTimeoutsPerRun:    cfg.Drain.MaxTimeoutsPerRun,
		StateDir:             cfg.Drain.StateDir,
	}
}

// Drainer runs drain sessions.
type Drainer struct {
	store  *db.Store
	leases *lease.Manager
	exec   Executor
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a drainer. exec must execute under leases' holder.
func New(store *db.Store, leases *lease.Manager, exec Executor, cfg Config, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{store: store, leases: leases, exec: exec, cfg: cfg, logger: logger, now: time.Now}
}

// Run drains until no candidate remains or a stop condition trips. It always
// returns the report. The error is a SESSION_HALTED error when a stop
// condition ended the session early.
func (d *Drainer) Run(ctx context.Context, s *Session) (*Report, error) {
	start := d.now()
	d.logger.Info("drain session started",
		"session_id", s.ID,
		"resumed", s.Drained() > 0,
		"batch_size", d.cfg.BatchSize,
		"zero_yield_cap", d.cfg.ZeroYieldCap,
	)

	var haltErr error
	for {
		if err := ctx.Err(); err != nil {
			s.StopReason = StopInterrupted
			s.Halted = true
			haltErr = dderrors.ErrSessionHalted(StopInterrupted, "the session was canceled").WithCause(err)
			break
		}
		if d.cfg.MaxWallClock > 0 && d.now().Sub(start) >= d.cfg.MaxWallClock {
			s.StopReason = StopWallClock
			s.Halted = true
			haltErr = dderrors.ErrSessionHalted(StopWallClock, fmt.Sprintf("wall clock limit %s reached", d.cfg.MaxWallClock))
			break
		}
		if d.cfg.BatchSize > 0 && s.Drained() >= d.cfg.BatchSize {
			s.StopReason = StopBatchSize
			break
		}

		cand, err := d.PickNext(ctx, s)
		if err != nil {
			return s.Report(d.now().Sub(start)), err
		}
		if cand == nil {
			s.StopReason = StopNoCandidates
			break
		}

		stepStart := d.now()
		out, err := d.step(ctx, s, cand)
		out.Duration = d.now().Sub(stepStart)
		if err != nil {
			return s.Report(d.now().Sub(start)), err
		}
		halt := d.record(s, cand, out)
		if err := d.save(s); err != nil {
			return s.Report(d.now().Sub(start)), err
		}
		if halt != nil {
			haltErr = halt
			break
		}
	}

	if err := d.save(s); err != nil {
		return s.Report(d.now().Sub(start)), err
	}
	report := s.Report(d.now().Sub(start))
	d.logger.Info("drain session finished",
		"session_id", s.ID,
		"drained", report.Drained,
		"completed", report.Completed,
		"stop_reason", report.StopReason,
		"halted", report.Halted,
	)
	return report, haltErr
}

// step leases the candidate's run, requeues and executes the phase, and
// measures its telemetry yield. Errors are reserved for store failures.
func (d *Drainer) step(ctx context.Context, s *Session, cand *Candidate) (Outcome, error) {
	runID, phaseID := cand.Run.ID, cand.Phase.ID
	out := Outcome{RunID: runID, PhaseID: phaseID, Verdict: VerdictNeutral, At: d.now().UTC()}
	s.PhaseAttempts[phaseID]++
	s.Sampled[runID] = true

	if _, err := d.leases.Acquire(ctx, runID); err != nil {
		if errors.Is(err, lease.ErrConflict) {
			d.logger.Info("run leased elsewhere, skipping", "run_id", runID)
			s.LeaseSkipped[runID] = true
			out.LeaseSkipped = true
			out.ZeroYieldReason = ReasonFailedBeforeDispatch
			out.Error = err.Error()
			out.State = string(cand.Phase.State)
			return out, nil
		}
		if dderrors.HasCode(err, dderrors.CodeRunArchived) || dderrors.HasCode(err, dderrors.CodeRunNotFound) {
			out.ZeroYieldReason = ReasonFailedBeforeDispatch
			out.Error = err.Error()
			return out, nil
		}
		return out, err
	}
	defer func() {
		if err := d.leases.Release(context.WithoutCancel(ctx), runID); err != nil {
			d.logger.Warn("release lease", "run_id", runID, "error", err)
		}
	}()

	if err := d.exec.RetryPhase(ctx, phaseID, lifecycle.RetryOptions{
		AllowMultipleQueued: d.cfg.AllowMultipleQueued,
		Actor:               "drain:" + s.ID,
	}); err != nil {
		d.logger.Warn("requeue refused", "run_id", runID, "phase_id", phaseID, "error", err)
		out.ZeroYieldReason = ReasonFailedBeforeDispatch
		out.Error = err.Error()
		out.State = string(cand.Phase.State)
		return out, nil
	}

	watermark, err := d.store.TelemetryWatermark(ctx)
	if err != nil {
		return out, err
	}

	pctx := ctx
	if d.cfg.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, d.cfg.PhaseTimeout)
		defer cancel()
	}
	res, execErr := d.exec.ExecutePhase(pctx, runID, phaseID)
	phaseTimedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)

	yield, err := d.store.CountTelemetrySince(context.WithoutCancel(ctx), phaseID, watermark)
	if err != nil {
		return out, err
	}
	out.Yield = yield
	if execErr != nil {
		out.Error = execErr.Error()
	}
	if res != nil {
		out.State = string(res.State)
		out.Fingerprint = res.Fingerprint
		out.StopCode = res.StopCode
		out.TimedOut = res.Timeouts > 0
	}
	out.TimedOut = out.TimedOut || phaseTimedOut
	out.ZeroYieldReason = classify(res, yield, out.TimedOut)
	out.Verdict = EvaluateSample(res, yield, out.TimedOut, d.knownFingerprint(s, cand, out.Fingerprint))
	return out, nil
}

// knownFingerprint reports whether fp repeats a pattern already seen for the
// run this session or recorded on the phase before it was retried.
func (d *Drainer) knownFingerprint(s *Session, cand *Candidate, fp string) bool {
	if fp == "" {
		return false
	}
	return s.seenFingerprint(cand.Run.ID, fp) || fp == cand.Phase.LastErrorFingerprint
}

// classify returns the zero-yield reason, or "" when telemetry was produced.
func classify(res *lifecycle.Result, yield int, timedOut bool) string {
	switch {
	case yield > 0:
		return ""
	case timedOut:
		return ReasonTimeout
	case res == nil:
		return ReasonFailedBeforeDispatch
	case res.NoOp:
		return ReasonSuccessNoDispatch
	case res.Dispatched == 0:
		return ReasonFailedBeforeDispatch
	default:
		return ReasonReachedBoundaryFailed
	}
}

// EvaluateSample triages one drained phase. known reports whether its
// fingerprint repeats a pattern already seen for the run.
func EvaluateSample(res *lifecycle.Result, yield int, timedOut, known bool) Verdict {
	switch {
	case res != nil && res.State == db.PhaseComplete:
		return VerdictPromising
	case yield > 0:
		return VerdictPromising
	case timedOut && !known:
		return VerdictPromising
	case known && yield == 0 && !timedOut:
		return VerdictDeprioritized
	default:
		return VerdictNeutral
	}
}

// record folds an outcome into the session counters and returns the halt
// error when a stop condition tripped.
func (d *Drainer) record(s *Session, cand *Candidate, out Outcome) error {
	s.Outcomes = append(s.Outcomes, out)
	runID := cand.Run.ID

	switch out.Verdict {
	case VerdictPromising:
		if !s.Deprioritized[runID] {
			s.Promising[runID] = true
		}
	case VerdictDeprioritized:
		s.deprioritize(runID)
		d.logger.Info("run deprioritized", "run_id", runID, "fingerprint", out.Fingerprint)
	}

	if out.Fingerprint != "" && out.State != string(db.PhaseComplete) {
		n := s.countFingerprint(runID, out.Fingerprint)
		if d.cfg.FingerprintRepeatCap > 0 && n >= d.cfg.FingerprintRepeatCap && !s.Deprioritized[runID] {
			s.deprioritize(runID)
			d.logger.Info("fingerprint repeat cap reached, run deprioritized",
				"run_id", runID, "fingerprint", out.Fingerprint, "repeats", n)
		}
	}
	if out.TimedOut {
		s.RunTimeouts[runID]++
	}

	switch {
	case out.LeaseSkipped:
	case out.ZeroYieldReason == "":
		s.ZeroYieldStreak = 0
	case out.ZeroYieldReason == ReasonTimeout:
	default:
		s.ZeroYieldStreak++
	}

	d.logger.Info("phase drained",
		"run_id", runID,
		"phase_id", out.PhaseID,
		"state", out.State,
		"verdict", out.Verdict,
		"yield", out.Yield,
		"zero_yield_reason", out.ZeroYieldReason,
		"zero_yield_streak", s.ZeroYieldStreak,
	)

	if d.cfg.ZeroYieldCap > 0 && s.ZeroYieldStreak >= d.cfg.ZeroYieldCap {
		s.StopReason = StopZeroYield
		s.Halted = true
		detail := fmt.Sprintf("%d consecutive drained phases produced no telemetry", s.ZeroYieldStreak)
		return dderrors.ErrSessionHalted(StopZeroYield, detail).
			WithCause(dderrors.ErrStaleTelemetry(detail))
	}
	return nil
}

func (d *Drainer) save(s *Session) error {
	if d.cfg.StateDir == "" {
		return nil
	}
	return s.Save(d.cfg.StateDir)
}
