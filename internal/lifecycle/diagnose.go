package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/drydock/internal/db"
	"github.com/randalmurphal/drydock/internal/recovery"
)

// diagnose builds diagnostics up to the requested tier and returns the text
// for the next prompt together with the tier actually reached. An insufficient
// handoff is escalated to tier 2 when the policy allows it. A failed tier 3
// pass falls back to the tier 2 material.
func (c *Controller) diagnose(ctx context.Context, cy *cycle, tier int) (string, int, error) {
	h, err := recovery.BuildHandoff(recovery.HandoffInput{
		RunID:        cy.run.ID,
		PhaseID:      cy.phase.ID,
		Attempts:     cy.records,
		ArtifactsDir: cy.runDir,
	}, c.cfg.Handoff, c.rules)
	if err != nil {
		return "", cy.tier, fmt.Errorf("build handoff: %w", err)
	}
	sections := []string{h.Render()}
	reached := 1

	if tier < 2 {
		ok, why := recovery.Sufficient(h, c.rules)
		if ok {
			return strings.Join(sections, "\n\n"), reached, nil
		}
		next, allowed := c.cfg.Policy.NextTier(1, cy.run.RemainingTokens())
		if !allowed || next != 2 {
			return strings.Join(sections, "\n\n"), reached, nil
		}
		c.logger.Info("handoff insufficient, escalating to retrieval",
			"run_id", cy.run.ID, "phase_id", cy.phase.ID, "reason", why)
		tier = 2
	}

	r, err := recovery.DeepRetrieve(ctx, h, recovery.RetrieveInput{
		ArtifactsDir: cy.runDir,
		WorkspaceDir: cy.workspace,
		DocGlobs:     c.cfg.DocGlobs,
	}, c.cfg.Retrieve)
	if err != nil {
		c.logger.Warn("retrieval failed", "run_id", cy.run.ID, "phase_id", cy.phase.ID, "error", err)
		return strings.Join(sections, "\n\n"), reached, nil
	}
	if text := r.Render(); text != "" {
		sections = append(sections, "### Retrieved context\n\n"+text)
	}
	reached = 2

	if tier < recovery.MaxTier {
		return strings.Join(sections, "\n\n"), reached, nil
	}

	analysis, err := c.analyzer.Analyze(ctx, h, r, c.cfg.Policy.Tier3Budget)
	if err != nil {
		c.logger.Warn("analysis failed, using retrieval only",
			"run_id", cy.run.ID, "phase_id", cy.phase.ID, "error", err)
		return strings.Join(sections, "\n\n"), reached, nil
	}
	if used := int64(analysis.InputTokens + analysis.OutputTokens); used > 0 {
		if err := c.store.RunInTx(ctx, func(tx *db.TxOps) error {
			return db.AddTokensUsedTx(tx, cy.run.ID, used)
		}); err != nil {
			return "", cy.tier, err
		}
	}
	sections = append(sections, "### Analysis\n\n"+analysis.Render())
	return strings.Join(sections, "\n\n"), recovery.MaxTier, nil
}
