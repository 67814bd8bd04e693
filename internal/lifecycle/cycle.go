package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/drydock/internal/budget"
	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/fingerprint"
	"github.com/randalmurphal/drydock/internal/generation"
	"github.com/randalmurphal/drydock/internal/lease"
	"github.com/randalmurphal/drydock/internal/recovery"
	"github.com/randalmurphal/drydock/internal/testrunner"
	"github.com/randalmurphal/drydock/templates"
)

// errAttemptCeiling is returned from the increment transaction to roll it back.
var errAttemptCeiling = errors.New("attempt ceiling reached")

// outcome is the classified end of one attempt.
type outcome struct {
	kind        recovery.OutcomeKind
	resp        *generation.Response
	failureText string
	fingerprint string
	stopReason  string
	// outputRef is the generated output file, "" when nothing was written.
	outputRef string
	// evidenceRef points diagnostics at the most useful log for this failure.
	evidenceRef string
	duration    time.Duration
	cause       error
	interrupted bool
}

// runCycle is the per-attempt driver loop.
func (c *Controller) runCycle(ctx context.Context, cy *cycle) error {
	ph := cy.phase
	for {
		actualMax := budget.Enforce(cy.selected, c.cfg.ProviderCeiling)

		// The run cap is checked before the attempt counters move so a
		// refusal consumes no attempt.
		run, err := c.store.GetRun(ctx, cy.run.ID)
		if err != nil {
			return err
		}
		cy.run = run
		if run.TokenCap > 0 && run.TokensUsed+int64(actualMax) > run.TokenCap {
			return c.giveUp(ctx, cy, nil, StopRunBudgetExhausted,
				fmt.Sprintf("dispatch of %d tokens would exceed run cap (%d of %d used)", actualMax, run.TokensUsed, run.TokenCap),
				dderrors.ErrRunBudgetExhausted(run.ID, run.TokensUsed, run.TokenCap))
		}

		n, err := c.beginAttempt(ctx, cy)
		if errors.Is(err, errAttemptCeiling) {
			return c.giveUp(ctx, cy, nil, StopMaxAttempts, "maximum builder attempts reached",
				dderrors.ErrMaxAttempts(ph.ID, c.cfg.MaxBuilderAttempts))
		}
		if err != nil {
			return err
		}

		system, prompt, err := c.buildPrompt(cy, n, actualMax)
		if err != nil {
			return err
		}

		att := &db.Attempt{
			PhaseID:            ph.ID,
			RunID:              cy.run.ID,
			SelectedBudget:     cy.selected,
			ActualMaxTokens:    actualMax,
			RepresentationMode: string(cy.mode),
			DiagnosticsTier:    cy.tier,
			Holder:             c.leases.Holder(),
		}
		if err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
			num, err := db.NextAttemptNumberTx(tx, ph.ID)
			if err != nil {
				return err
			}
			att.AttemptNumber = num
			return db.InsertPendingAttemptTx(tx, att)
		}); err != nil {
			return err
		}
		cy.result.Attempts++
		cy.inflight = &attemptDone{att: att}

		out, err := c.attempt(ctx, cy, att, system, prompt)
		cy.inflight.out = out
		if err != nil {
			return err
		}
		if out.interrupted {
			return c.interrupted(ctx, cy, att, out)
		}
		cy.result.LastOutcome = out.kind
		if out.kind == recovery.OutcomeTimeout {
			cy.result.Timeouts++
		}

		logAttrs := []any{
			"run_id", cy.run.ID,
			"phase_id", ph.ID,
			"attempt", att.AttemptNumber,
			"mode", cy.mode,
			"max_tokens", actualMax,
			"outcome", out.kind,
			"duration", out.duration.Round(time.Millisecond),
		}
		if out.resp != nil {
			logAttrs = append(logAttrs, "output_tokens", out.resp.OutputTokens)
		}

		if out.kind == recovery.OutcomeSuccess {
			c.logger.Info("attempt succeeded", logAttrs...)
			return c.complete(ctx, cy, att, out)
		}

		pol := recovery.Outcome{
			Kind:                out.kind,
			Mode:                cy.mode,
			SelectedBudget:      cy.selected,
			Ceiling:             c.cfg.ProviderCeiling,
			DiagnosticsTier:     cy.tier,
			Fingerprint:         out.fingerprint,
			PreviousFingerprint: cy.prevFingerprint,
			LowSignal:           c.rules.IsLowSignal(out.failureText),
			RemainingRunBudget:  cy.run.RemainingTokens(),
		}
		action := c.cfg.Policy.DecideNextAction(pol, c.cfg.MaxBuilderAttempts-n)
		c.logger.Warn("attempt failed", append(logAttrs, "fingerprint", out.fingerprint, "action", action.String(), "reason", action.Reason)...)

		cy.records = append(cy.records, recovery.AttemptRecord{
			Number:      att.AttemptNumber,
			Mode:        cy.mode,
			Outcome:     out.kind,
			Fingerprint: out.fingerprint,
			StopReason:  out.stopReason,
			OutputRef:   out.evidenceRef,
			FailureText: out.failureText,
		})
		cy.prevFingerprint = out.fingerprint
		cy.result.Fingerprint = out.fingerprint
		cy.result.OutputRef = refOrID(out.outputRef, att.ID)

		if action.Kind == recovery.ActionGiveUp {
			stop := string(out.kind)
			failErr := outcomeError(ph.ID, out, actualMax, c.cfg.DispatchTimeout)
			if n >= c.cfg.MaxBuilderAttempts {
				stop = StopMaxAttempts
				failErr = dderrors.ErrMaxAttempts(ph.ID, n).WithCause(failErr)
			}
			return c.giveUp(ctx, cy, &attemptDone{att: att, out: out}, stop, action.Reason+": "+firstLine(out.failureText), failErr)
		}

		if err := c.recordFailure(ctx, cy, att, out); err != nil {
			return err
		}
		if err := c.applyAction(ctx, cy, action); err != nil {
			return err
		}
		cy.retryContext = retryContext(cy.records)
	}
}

// beginAttempt bumps the attempt counters, refusing past the ceiling.
func (c *Controller) beginAttempt(ctx context.Context, cy *cycle) (int, error) {
	var n int
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		n, err = db.IncrementAttemptsTx(tx, cy.phase.ID)
		if err != nil {
			return err
		}
		if n > c.cfg.MaxBuilderAttempts {
			return errAttemptCeiling
		}
		return nil
	})
	return n, err
}

// attempt dispatches once and validates the result. Its error is reserved
// for store failures; everything else is an outcome.
func (c *Controller) attempt(ctx context.Context, cy *cycle, att *db.Attempt, system, prompt string) (outcome, error) {
	var out outcome

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	start := time.Now()
	resp, err := c.endpoint.Generate(dctx, generation.Request{System: system, Prompt: prompt, MaxTokens: att.ActualMaxTokens})
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()
	out.duration = time.Since(start)
	cy.result.Dispatched++

	switch {
	case ctx.Err() != nil:
		out.interrupted = true
		out.cause = context.Cause(ctx)
		return out, nil
	case timedOut:
		// Partial output from a timed-out dispatch is never parsed or applied.
		return c.fail(out, recovery.OutcomeTimeout, fingerprint.KindTimeout, "dispatch timed out", "timeout"), nil
	case err != nil:
		out.cause = err
		return c.fail(out, recovery.OutcomeDispatchError, fingerprint.KindDispatch, err.Error(), "dispatch_error"), nil
	case resp == nil:
		out.cause = generation.ErrEmptyResponse
		return c.fail(out, recovery.OutcomeDispatchError, fingerprint.KindDispatch, generation.ErrEmptyResponse.Error(), "dispatch_error"), nil
	}

	resp = generation.Clamp(resp, att.ActualMaxTokens)
	out.resp = resp
	out.stopReason = resp.StopReason

	ref, err := writeOutput(cy.phaseDir, att.AttemptNumber, resp.Text)
	if err != nil {
		return out, err
	}
	out.outputRef, out.evidenceRef = ref, ref

	if resp.Truncated(att.ActualMaxTokens) {
		return c.fail(out, recovery.OutcomeTruncated, fingerprint.KindTruncated,
			fmt.Sprintf("output truncated at %d tokens in %s mode", att.ActualMaxTokens, cy.mode), resp.StopReason), nil
	}
	if strings.TrimSpace(resp.Text) == "" {
		out.cause = generation.ErrEmptyResponse
		return c.fail(out, recovery.OutcomeDispatchError, fingerprint.KindDispatch, generation.ErrEmptyResponse.Error(), resp.StopReason), nil
	}

	art, err := recovery.Parse(cy.mode, resp.Text, c.cfg.MaxRepairPasses)
	if err != nil {
		out.cause = err
		return c.fail(out, recovery.OutcomeMalformed, fingerprint.KindMalformed, err.Error(), resp.StopReason), nil
	}

	changes, err := applyArtifact(cy.workspace, art)
	if err != nil {
		out.cause = err
		return c.fail(out, recovery.OutcomeValidationFailure, fingerprint.KindValidation, err.Error(), resp.StopReason), nil
	}

	if c.cfg.GateDeliverables && len(cy.phase.Scope) > 0 {
		if err := c.transition(ctx, cy, db.PhaseGate); err != nil {
			_ = changes.Restore()
			return out, err
		}
		if missing := missingDeliverables(cy.phase.Scope, art.Paths()); len(missing) > 0 {
			_ = changes.Restore()
			text := "deliverables not produced: " + strings.Join(missing, ", ")
			return c.fail(out, recovery.OutcomeValidationFailure, fingerprint.KindValidation, text, resp.StopReason), nil
		}
	}

	if c.runner != nil {
		if err := c.transition(ctx, cy, db.PhaseCIRunning); err != nil {
			_ = changes.Restore()
			return out, err
		}
		report, err := c.runner.Run(ctx, testrunner.Candidate{
			RunID:        cy.run.ID,
			PhaseID:      cy.phase.ID,
			Attempt:      att.AttemptNumber,
			Workspace:    cy.workspace,
			ArtifactsDir: cy.phaseDir,
		})
		switch {
		case ctx.Err() != nil:
			_ = changes.Restore()
			out.interrupted = true
			out.cause = context.Cause(ctx)
			return out, nil
		case err != nil:
			_ = changes.Restore()
			out.cause = err
			if report != nil && report.OutputRef != "" {
				out.evidenceRef = report.OutputRef
			}
			return c.fail(out, recovery.OutcomeValidationFailure, fingerprint.KindValidation, "test run: "+err.Error(), resp.StopReason), nil
		case report == nil:
			_ = changes.Restore()
			return c.fail(out, recovery.OutcomeValidationFailure, fingerprint.KindValidation, "test run: runner returned no report", resp.StopReason), nil
		case report.CollectionFailure:
			_ = changes.Restore()
			out.evidenceRef = refOrID(report.OutputRef, out.evidenceRef)
			return c.fail(out, recovery.OutcomeCollectionFailure, fingerprint.KindCollection, report.FailureText, resp.StopReason), nil
		case !report.Passed:
			_ = changes.Restore()
			out.evidenceRef = refOrID(report.OutputRef, out.evidenceRef)
			return c.fail(out, recovery.OutcomeValidationFailure, fingerprint.KindValidation, report.FailureText, resp.StopReason), nil
		}
	}

	out.kind = recovery.OutcomeSuccess
	return out, nil
}

// fail fills a failure outcome and its fingerprint.
func (c *Controller) fail(out outcome, kind recovery.OutcomeKind, fpKind fingerprint.Kind, text, stop string) outcome {
	out.kind = kind
	out.failureText = text
	out.fingerprint = c.rules.Compute(fpKind, text)
	if out.stopReason == "" {
		out.stopReason = stop
	}
	return out
}

// attemptDone is a finished attempt awaiting completion in the store.
type attemptDone struct {
	att *db.Attempt
	out outcome
}

// finishAttemptTx completes the attempt row, records telemetry and charges
// the run for usage.
func (c *Controller) finishAttemptTx(tx *db.TxOps, cy *cycle, d *attemptDone) error {
	res := db.AttemptResult{
		Outcome:          attemptOutcome(d.out.kind),
		FailureKind:      failureKind(d.out.kind),
		Duration:         d.out.duration,
		ErrorFingerprint: d.out.fingerprint,
		StopReason:       d.out.stopReason,
		OutputRef:        d.out.outputRef,
	}
	if resp := d.out.resp; resp != nil {
		res.ActualOutputTokens = resp.OutputTokens
		res.InputTokens = resp.InputTokens
		res.Truncated = resp.Truncated(d.att.ActualMaxTokens)
	}
	if err := db.CompleteAttemptTx(tx, d.att.ID, res); err != nil {
		return err
	}
	resp := d.out.resp
	if resp == nil || !resp.HasUsage() {
		return nil
	}
	if err := db.InsertTokenEventTx(tx, &db.TokenEstimationEvent{
		RunID:              cy.run.ID,
		PhaseID:            cy.phase.ID,
		AttemptID:          d.att.ID,
		Category:           cy.phase.Category,
		Complexity:         cy.phase.Complexity,
		DeliverableCount:   cy.phase.DeliverableCount(),
		SelectedBudget:     d.att.SelectedBudget,
		ActualMaxTokens:    d.att.ActualMaxTokens,
		ActualOutputTokens: resp.OutputTokens,
		Truncated:          resp.Truncated(d.att.ActualMaxTokens),
		Success:            d.out.kind == recovery.OutcomeSuccess,
	}); err != nil {
		return err
	}
	cy.result.UsageEvents++
	return db.AddTokensUsedTx(tx, cy.run.ID, int64(resp.InputTokens+resp.OutputTokens))
}

// complete finishes a successful attempt and promotes the next phase, all in
// one transaction.
func (c *Controller) complete(ctx context.Context, cy *cycle, att *db.Attempt, out outcome) error {
	var promoted string
	usage := cy.result.UsageEvents
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		cy.result.UsageEvents = usage
		if err := c.finishAttemptTx(tx, cy, &attemptDone{att: att, out: out}); err != nil {
			return err
		}
		var err error
		promoted, err = db.CompleteAndPromoteTx(tx, cy.phase.ID, cy.state)
		if err != nil {
			return err
		}
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   cy.run.ID,
			PhaseID: cy.phase.ID,
			Kind:    db.EventCompleted,
			Actor:   c.leases.Holder(),
			Detail:  fmt.Sprintf("%s -> COMPLETE after %d attempt(s)", cy.state, cy.result.Attempts),
		})
	})
	if err != nil {
		return storeErr(cy.phase.ID, err)
	}
	cy.state = db.PhaseComplete
	cy.inflight = nil
	cy.result.Promoted = promoted
	cy.result.OutputRef = refOrID(out.outputRef, att.ID)
	c.logger.Info("phase complete", "run_id", cy.run.ID, "phase_id", cy.phase.ID, "promoted", promoted)
	return nil
}

// recordFailure completes a failed attempt that will be retried and returns
// the phase to EXECUTING.
func (c *Controller) recordFailure(ctx context.Context, cy *cycle, att *db.Attempt, out outcome) error {
	from := cy.state
	usage := cy.result.UsageEvents
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		cy.result.UsageEvents = usage
		if err := c.finishAttemptTx(tx, cy, &attemptDone{att: att, out: out}); err != nil {
			return err
		}
		if err := db.RecordFingerprintTx(tx, cy.phase.ID, out.fingerprint); err != nil {
			return err
		}
		if from == db.PhaseExecuting {
			return nil
		}
		if err := db.TransitionPhaseTx(tx, cy.phase.ID, from, db.PhaseExecuting); err != nil {
			return err
		}
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   cy.run.ID,
			PhaseID: cy.phase.ID,
			Kind:    db.EventTransition,
			Actor:   c.leases.Holder(),
			Detail:  fmt.Sprintf("%s -> EXECUTING (retry after %s)", from, out.kind),
		})
	})
	if err != nil {
		return storeErr(cy.phase.ID, err)
	}
	cy.state = db.PhaseExecuting
	cy.inflight = nil
	return nil
}

// giveUp fails the phase. d is nil when no attempt was dispatched.
func (c *Controller) giveUp(ctx context.Context, cy *cycle, d *attemptDone, stopCode, reason string, failErr error) error {
	rec := db.FailureRecord{Reason: reason, StopCode: stopCode}
	switch {
	case d != nil:
		rec.Fingerprint = d.out.fingerprint
		rec.OutputRef = refOrID(d.out.outputRef, d.att.ID)
	case cy.result.Fingerprint != "":
		rec.Fingerprint = cy.result.Fingerprint
		rec.OutputRef = cy.result.OutputRef
	}
	if rec.Fingerprint == "" {
		kind := fingerprint.KindBudget
		if stopCode == StopInterrupted {
			kind = fingerprint.KindAbandoned
		}
		rec.Fingerprint = c.rules.Compute(kind, reason)
	}
	from := cy.state
	usage := cy.result.UsageEvents
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		cy.result.UsageEvents = usage
		if d != nil {
			if err := c.finishAttemptTx(tx, cy, d); err != nil {
				return err
			}
		}
		if rec.OutputRef == "" {
			id, err := db.LatestAttemptIDTx(tx, cy.phase.ID)
			if err != nil {
				return err
			}
			rec.OutputRef = refOrID(id, cy.phase.ID)
		}
		if err := db.FailPhaseTx(tx, cy.phase.ID, from, rec); err != nil {
			return err
		}
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   cy.run.ID,
			PhaseID: cy.phase.ID,
			Kind:    db.EventFailed,
			Actor:   c.leases.Holder(),
			Detail:  fmt.Sprintf("%s -> FAILED (%s): %s", from, stopCode, reason),
		})
	})
	if err != nil {
		return storeErr(cy.phase.ID, err)
	}
	cy.state = db.PhaseFailed
	cy.inflight = nil
	cy.result.StopCode = stopCode
	cy.result.Fingerprint = rec.Fingerprint
	cy.result.OutputRef = rec.OutputRef
	c.logger.Warn("phase failed",
		"run_id", cy.run.ID,
		"phase_id", cy.phase.ID,
		"stop_code", stopCode,
		"fingerprint", rec.Fingerprint,
		"output_ref", rec.OutputRef,
	)
	return failErr
}

// interrupted finalizes an attempt whose execution context was canceled.
// A lost lease leaves the phase to the taker; any other cancellation fails
// the phase so it does not stay EXECUTING.
func (c *Controller) interrupted(ctx context.Context, cy *cycle, att *db.Attempt, out outcome) error {
	cause := out.cause
	if cause == nil {
		cause = context.Canceled
	}
	wctx := context.WithoutCancel(ctx)
	if errors.Is(cause, lease.ErrLost) {
		return cause
	}
	out.kind = ""
	out.stopReason = StopInterrupted
	out.fingerprint = c.rules.Compute(fingerprint.KindAbandoned, "interrupted: "+cause.Error())
	d := &attemptDone{att: att, out: out}
	if err := c.giveUpInterrupted(wctx, cy, d); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *Controller) giveUpInterrupted(ctx context.Context, cy *cycle, d *attemptDone) error {
	from := cy.state
	rec := db.FailureRecord{
		Reason:      "execution interrupted",
		Fingerprint: d.out.fingerprint,
		StopCode:    StopInterrupted,
		OutputRef:   refOrID(d.out.outputRef, d.att.ID),
	}
	err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := db.CompleteAttemptTx(tx, d.att.ID, db.AttemptResult{
			Outcome:          db.OutcomeAbandoned,
			FailureKind:      string(fingerprint.KindAbandoned),
			Duration:         d.out.duration,
			ErrorFingerprint: d.out.fingerprint,
			StopReason:       StopInterrupted,
			OutputRef:        d.out.outputRef,
		}); err != nil {
			return err
		}
		if err := db.FailPhaseTx(tx, cy.phase.ID, from, rec); err != nil {
			return err
		}
		return db.AppendRunEventTx(tx, &db.RunEvent{
			RunID:   cy.run.ID,
			PhaseID: cy.phase.ID,
			Kind:    db.EventFailed,
			Actor:   c.leases.Holder(),
			Detail:  fmt.Sprintf("%s -> FAILED (%s)", from, StopInterrupted),
		})
	})
	if err != nil {
		return storeErr(cy.phase.ID, err)
	}
	cy.state = db.PhaseFailed
	cy.inflight = nil
	cy.result.StopCode = StopInterrupted
	cy.result.Fingerprint = rec.Fingerprint
	cy.result.OutputRef = rec.OutputRef
	return nil
}

// abort fails a phase whose cycle stopped on a local or store error, so it
// never stays in a non-terminal state without an executor. A dispatched
// attempt is completed and charged first.
func (c *Controller) abort(ctx context.Context, cy *cycle, cause error) error {
	stop, kind := StopInternalError, fingerprint.KindInternal
	if ctx.Err() != nil {
		stop, kind = StopInterrupted, fingerprint.KindAbandoned
	}
	fp := c.rules.Compute(kind, cause.Error())

	d := cy.inflight
	if d != nil {
		d.out.kind = ""
		d.out.fingerprint = fp
		d.out.stopReason = stop
	} else {
		// giveUp falls back to the cycle's last fingerprint; replace it so
		// an earlier attempt's failure is not reported for this one.
		cy.result.Fingerprint = fp
		cy.result.OutputRef = ""
	}
	c.logger.Error("execution cycle aborted",
		"run_id", cy.run.ID,
		"phase_id", cy.phase.ID,
		"state", cy.state,
		"error", cause,
	)
	if err := c.giveUp(context.WithoutCancel(ctx), cy, d, stop, firstLine(cause.Error()), nil); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// applyAction adjusts the next attempt per the recovery decision.
func (c *Controller) applyAction(ctx context.Context, cy *cycle, action recovery.Action) error {
	switch action.Kind {
	case recovery.ActionChangeMode:
		cy.mode = action.Mode
	case recovery.ActionEscalateBudget:
		cy.selected = c.estimator.Escalate(cy.selected, cy.escalations, c.cfg.ProviderCeiling)
		cy.escalations++
	case recovery.ActionEscalateDiagnostics:
		text, tier, err := c.diagnose(ctx, cy, action.Tier)
		if err != nil {
			return err
		}
		cy.tier = tier
		cy.diagnostics = text
	case recovery.ActionRetrySame:
	}
	return nil
}

// buildPrompt renders the system and user prompts for the current mode.
func (c *Controller) buildPrompt(cy *cycle, attempt, maxTokens int) (string, string, error) {
	system, err := templates.System("builder")
	if err != nil {
		return "", "", err
	}
	prompt, err := templates.Render(string(cy.mode), promptData{
		PhaseName:    cy.phase.Name,
		Category:     cy.phase.Category,
		Complexity:   cy.phase.Complexity,
		Attempt:      attempt,
		MaxTokens:    maxTokens,
		Description:  cy.phase.Description,
		Deliverables: cy.phase.Scope,
		Files:        currentFiles(cy.workspace, cy.phase.Scope, c.cfg.PromptMaxFiles, c.cfg.PromptMaxBytes),
		RetryContext: cy.retryContext,
		Diagnostics:  cy.diagnostics,
	})
	if err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

// promptData is the template context shared by every mode prompt.
type promptData struct {
	PhaseName    string
	Category     string
	Complexity   string
	Attempt      int
	MaxTokens    int
	Description  string
	Deliverables []string
	Files        []promptFile
	RetryContext string
	Diagnostics  string
}

// retryContext summarizes earlier attempts for the next prompt.
func retryContext(records []recovery.AttemptRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "- attempt %d (%s): %s\n", r.Number, r.Mode, r.Outcome)
	}
	last := records[len(records)-1]
	if text := strings.TrimSpace(last.FailureText); text != "" {
		fmt.Fprintf(&b, "\nLast failure:\n```\n%s\n```\n", tail(text, 60))
	}
	return b.String()
}

func writeOutput(dir string, attempt int, text string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("attempt-%d.out", attempt))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write attempt output: %w", err)
	}
	return path, nil
}

func attemptOutcome(kind recovery.OutcomeKind) db.AttemptOutcome {
	switch kind {
	case recovery.OutcomeSuccess:
		return db.OutcomeSuccess
	case recovery.OutcomeTimeout:
		return db.OutcomeTimeout
	default:
		return db.OutcomeFailure
	}
}

func failureKind(kind recovery.OutcomeKind) string {
	switch kind {
	case recovery.OutcomeSuccess:
		return ""
	case "":
		return StopInternalError
	}
	return string(kind)
}

// outcomeError is the error reported when a phase gives up after out.
func outcomeError(phaseID string, out outcome, maxTokens int, timeout time.Duration) error {
	switch out.kind {
	case recovery.OutcomeTimeout:
		return dderrors.ErrDispatchTimeout(phaseID, timeout)
	case recovery.OutcomeDispatchError:
		return dderrors.ErrDispatchFailed(phaseID, out.cause)
	case recovery.OutcomeTruncated:
		return dderrors.ErrTruncated(phaseID, maxTokens)
	case recovery.OutcomeCollectionFailure:
		return dderrors.ErrCollectionFailed(phaseID, firstLine(out.failureText))
	default:
		return dderrors.ErrValidationFailed(phaseID, firstLine(out.failureText))
	}
}

func refOrID(ref, id string) string {
	if ref != "" {
		return ref
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func tail(s string, lines int) string {
	parts := strings.Split(s, "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
