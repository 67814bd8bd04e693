// Package lifecycle drives phases through their state machine: it dispatches
// attempts to the generation endpoint, validates the applied artifact and
// feeds every failure through the recovery policy until the phase completes
// or gives up.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/randalmurphal/drydock/internal/budget"
	"github.com/randalmurphal/drydock/internal/config"
	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/fingerprint"
	"github.com/randalmurphal/drydock/internal/generation"
	"github.com/randalmurphal/drydock/internal/lease"
	"github.com/randalmurphal/drydock/internal/recovery"
	"github.com/randalmurphal/drydock/internal/testrunner"
)

// Stop codes recorded on FAILED phases besides the outcome kinds.
const (
	StopMaxAttempts        = "max_attempts"
	StopRunBudgetExhausted = "run_budget_exhausted"
	StopInterrupted        = "interrupted"
	StopInternalError      = "internal_error"
)

// Config holds the execution settings.
type Config struct {
	MaxBuilderAttempts      int
	DispatchTimeout         time.Duration
	ProviderCeiling         int
	FullFileMaxDeliverables int
	GateDeliverables        bool
	ArtifactsDir            string
	WorkspaceDir            string
	MaxRepairPasses         int
	HeartbeatInterval       time.Duration
	Policy                  recovery.Policy
	Handoff                 recovery.HandoffLimits
	Retrieve                recovery.RetrieveLimits
	DocGlobs                []string
	// PromptMaxFiles and PromptMaxBytes bound the current files shown in a prompt.
	PromptMaxFiles int
	PromptMaxBytes int
}

// ConfigFrom maps the loaded configuration onto controller settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxBuilderAttempts:      cfg.Execution.MaxBuilderAttempts,
		DispatchTimeout:         cfg.Execution.DispatchTimeout,
		ProviderCeiling:         cfg.Execution.ProviderCeiling,
		FullFileMaxDeliverables: cfg.Execution.FullFileMaxDeliverables,
		GateDeliverables:        cfg.Execution.GateDeliverables,
		ArtifactsDir:            cfg.Execution.ArtifactsDir,
		WorkspaceDir:            cfg.Execution.WorkspaceDir,
		MaxRepairPasses:         recovery.DefaultMaxRepairPasses,
		HeartbeatInterval:       cfg.Lease.HeartbeatInterval,
		Policy: recovery.Policy{
			Tier3Enabled: cfg.Diagnostics.Tier3Enabled,
			Tier3Budget:  cfg.Diagnostics.Tier3Budget,
		},
		Handoff: recovery.HandoffLimits{
			MaxLines: cfg.Diagnostics.HandoffMaxLines,
			MaxBytes: cfg.Diagnostics.HandoffMaxBytes,
		},
		Retrieve: recovery.RetrieveLimits{
			MaxFiles: cfg.Diagnostics.RetrievalMaxFiles,
			MaxBytes: cfg.Diagnostics.RetrievalMaxBytes,
		},
		DocGlobs: cfg.Diagnostics.DocGlobs,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxBuilderAttempts <= 0 {
		c.MaxBuilderAttempts = 5
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Minute
	}
	if c.MaxRepairPasses <= 0 {
		c.MaxRepairPasses = recovery.DefaultMaxRepairPasses
	}
	if c.PromptMaxFiles <= 0 {
		c.PromptMaxFiles = 8
	}
	if c.PromptMaxBytes <= 0 {
		c.PromptMaxBytes = 64 * 1024
	}
}

// Controller executes phases for the lease holder it was built with.
type Controller struct {
	store     *db.Store
	leases    *lease.Manager
	endpoint  generation.Endpoint
	estimator *budget.Estimator
	runner    testrunner.Runner
	analyzer  *recovery.Analyzer
	rules     *fingerprint.Rules
	cfg       Config
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRunner enables CI_RUNNING validation with r.
func WithRunner(r testrunner.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithEstimator replaces the default calibration table.
func WithEstimator(e *budget.Estimator) Option {
	return func(c *Controller) { c.estimator = e }
}

// WithRules replaces the default fingerprint rules.
func WithRules(r *fingerprint.Rules) Option {
	return func(c *Controller) { c.rules = r }
}

// WithAnalyzer sets the tier 3 analyzer. By default analysis runs through
// the controller's own endpoint.
func WithAnalyzer(a *recovery.Analyzer) Option {
	return func(c *Controller) { c.analyzer = a }
}

// NewController creates a controller.
func NewController(store *db.Store, leases *lease.Manager, endpoint generation.Endpoint, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		store:    store,
		leases:   leases,
		endpoint: endpoint,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.estimator == nil {
		c.estimator = budget.NewEstimator(nil, c.logger)
	}
	if c.rules == nil {
		c.rules = fingerprint.DefaultRules()
	}
	if c.analyzer == nil {
		c.analyzer = recovery.NewAnalyzer(endpoint, c.logger)
	}
	return c
}

// Result summarizes one ExecutePhase call.
type Result struct {
	PhaseID string
	State   db.PhaseState
	// NoOp is set when the phase was already COMPLETE.
	NoOp bool
	// Attempts is how many attempts this call recorded.
	Attempts int
	// Dispatched counts attempts that reached the endpoint.
	Dispatched int
	// UsageEvents counts telemetry rows written.
	UsageEvents int
	Timeouts    int
	// LastOutcome is the kind of the final attempt, empty when none ran.
	LastOutcome recovery.OutcomeKind
	StopCode    string
	Fingerprint string
	OutputRef   string
	// Promoted is the phase queued after a successful completion.
	Promoted string
}

// RetryOptions controls RetryPhase.
type RetryOptions struct {
	AllowMultipleQueued bool
	Actor               string
}

// RetryPhase moves a FAILED phase back to QUEUED and resets its per-cycle
// attempt counter.
func (c *Controller) RetryPhase(ctx context.Context, phaseID string, opts RetryOptions) error {
	ph, err := c.store.GetPhase(ctx, phaseID)
	if errors.Is(err, db.ErrNotFound) {
		return dderrors.ErrPhaseNotFound(phaseID)
	}
	if err != nil {
		return err
	}
	actor := opts.Actor
	if actor == "" {
		actor = c.leases.Holder()
	}
	err = c.store.RetryPhase(ctx, phaseID, opts.AllowMultipleQueued, actor)
	switch {
	case err == nil:
		c.logger.Info("phase requeued", "run_id", ph.RunID, "phase_id", phaseID, "allow_multiple_queued", opts.AllowMultipleQueued)
		return nil
	case errors.Is(err, db.ErrQueueInvariant):
		return dderrors.ErrQueueInvariant(ph.RunID).WithCause(err)
	case errors.Is(err, db.ErrInvalidTransition):
		return dderrors.ErrPhaseInvalidState(phaseID, string(ph.State), string(db.PhaseFailed))
	case errors.Is(err, db.ErrConcurrentModification):
		return dderrors.ErrConcurrentModification("phase "+phaseID, err)
	}
	return err
}

// QueueNext promotes the run's next PENDING phase when nothing is queued and
// returns its id, or "".
func (c *Controller) QueueNext(ctx context.Context, runID string) (string, error) {
	id, err := c.store.QueueNext(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("queue next phase of %s: %w", runID, err)
	}
	if id != "" {
		c.logger.Debug("phase queued", "run_id", runID, "phase_id", id)
	}
	return id, nil
}

// RunAll leases the run and executes its phases in order until none is
// queued or one fails.
func (c *Controller) RunAll(ctx context.Context, runID string) ([]*Result, error) {
	if _, err := c.leases.Acquire(ctx, runID); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.leases.Release(context.WithoutCancel(ctx), runID); err != nil {
			c.logger.Warn("release lease", "run_id", runID, "error", err)
		}
	}()

	var results []*Result
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if _, err := c.QueueNext(ctx, runID); err != nil {
			return results, err
		}
		queued, err := c.store.ListPhasesByState(ctx, runID, db.PhaseQueued)
		if err != nil {
			return results, err
		}
		if len(queued) == 0 {
			return results, nil
		}
		res, err := c.ExecutePhase(ctx, runID, queued[0].ID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
}

// ExecutePhase runs a QUEUED phase until it completes or fails. The caller
// must hold the run's lease. A COMPLETE phase is a no-op. A phase that ends
// FAILED returns its Result together with an error describing the failure.
func (c *Controller) ExecutePhase(ctx context.Context, runID, phaseID string) (*Result, error) {
	ph, err := c.store.GetPhase(ctx, phaseID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && ph.RunID != runID) {
		return nil, dderrors.ErrPhaseNotFound(phaseID)
	}
	if err != nil {
		return nil, err
	}
	if ph.State == db.PhaseComplete {
		return &Result{PhaseID: phaseID, State: db.PhaseComplete, NoOp: true}, nil
	}
	if ph.State != db.PhaseQueued {
		return nil, dderrors.ErrPhaseInvalidState(phaseID, string(ph.State), string(db.PhaseQueued))
	}
	if err := c.leases.Verify(ctx, runID); err != nil {
		return nil, err
	}
	run, err := c.store.GetRun(ctx, runID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, dderrors.ErrRunNotFound(runID)
	}
	if err != nil {
		return nil, err
	}
	if run.ArchivedAt != nil {
		return nil, dderrors.ErrRunArchived(runID)
	}

	cy := c.newCycle(run, ph)
	if err := c.transition(ctx, cy, db.PhaseExecuting); err != nil {
		return nil, err
	}
	if err := c.leases.SetInFlight(ctx, runID, phaseID); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.leases.SetInFlight(context.WithoutCancel(ctx), runID, ""); err != nil && !errors.Is(err, lease.ErrLost) {
			c.logger.Warn("clear in-flight phase", "run_id", runID, "error", err)
		}
	}()

	c.logger.Info("executing phase",
		"run_id", runID,
		"phase_id", phaseID,
		"mode", cy.mode,
		"selected_budget", cy.selected,
	)

	var loopErr error
	err = c.leases.Hold(ctx, runID, c.cfg.HeartbeatInterval, func(ctx context.Context) error {
		loopErr = c.runCycle(ctx, cy)
		if loopErr != nil && !cy.state.IsTerminal() && !errors.Is(context.Cause(ctx), lease.ErrLost) {
			loopErr = c.abort(ctx, cy, loopErr)
		}
		return nil
	})
	if err != nil {
		// The lease was lost mid-cycle; the taker finalizes our attempts.
		cy.result.State = cy.state
		return cy.result, err
	}
	cy.result.State = cy.state
	return cy.result, loopErr
}

// cycle is the mutable state of one execution cycle.
type cycle struct {
	run       *db.Run
	phase     *db.Phase
	state     db.PhaseState
	workspace string
	runDir    string
	phaseDir  string

	mode        recovery.Mode
	selected    int
	escalations int
	tier        int

	// inflight is the dispatched attempt not yet completed in the store.
	inflight *attemptDone

	prevFingerprint string
	records         []recovery.AttemptRecord
	retryContext    string
	diagnostics     string

	result *Result
}

func (c *Controller) newCycle(run *db.Run, ph *db.Phase) *cycle {
	workspace := run.Workspace
	if workspace == "" {
		workspace = c.cfg.WorkspaceDir
	}
	if workspace == "" {
		workspace = "."
	}
	runDir := filepath.Join(c.cfg.ArtifactsDir, run.ID)
	n := ph.DeliverableCount()
	return &cycle{
		run:             run,
		phase:           ph,
		state:           ph.State,
		workspace:       workspace,
		runDir:          runDir,
		phaseDir:        filepath.Join(runDir, ph.ID),
		mode:            recovery.InitialMode(n, c.cfg.FullFileMaxDeliverables),
		selected:        c.estimator.Estimate(ph.Category, ph.Complexity, n),
		prevFingerprint: ph.LastErrorFingerprint,
		result:          &Result{PhaseID: ph.ID, State: ph.State},
	}
}

// transition moves the cycle's phase to a new state and audits it.
func (c *Controller) transition(ctx context.Context, cy *cycle, to db.PhaseState) error {
	from := cy.state
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := db.TransitionPhaseTx(tx, cy.phase.ID, from, to); err != nil {
			return err
		}
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   cy.run.ID,
			PhaseID: cy.phase.ID,
			Kind:    db.EventTransition,
			Actor:   c.leases.Holder(),
			Detail:  fmt.Sprintf("%s -> %s", from, to),
		})
	})
	if err != nil {
		return storeErr(cy.phase.ID, err)
	}
	cy.state = to
	return nil
}

func storeErr(phaseID string, err error) error {
	if errors.Is(err, db.ErrConcurrentModification) {
		return dderrors.ErrConcurrentModification("phase "+phaseID, err)
	}
	return err
}
