package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/db"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	var (
		all      bool
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show runs, tiers, phases and recent attempts",
		Long: `Without arguments, list runs with their phase counters and token usage.
With a run ID, show the run's tiers, phases and most recent attempts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 0 {
				return showRuns(ctx, store, all)
			}
			return showRun(ctx, store, args[0], attempts)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived runs")
	cmd.Flags().IntVar(&attempts, "attempts", 10, "recent attempts to show")
	return cmd
}

type runSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phases     int    `json:"phases"`
	Complete   int    `json:"complete"`
	Failed     int    `json:"failed"`
	TokensUsed int64  `json:"tokens_used"`
	TokenCap   int64  `json:"token_cap"`
	Holder     string `json:"holder,omitempty"`
	Archived   bool   `json:"archived"`
}

func showRuns(ctx context.Context, store *db.Store, all bool) error {
	runs, err := store.ListRuns(ctx, all)
	if err != nil {
		return err
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		tiers, err := store.ListTierSummaries(ctx, r.ID)
		if err != nil {
			return err
		}
		s := runSummary{
			ID:         r.ID,
			Name:       r.Name,
			TokensUsed: r.TokensUsed,
			TokenCap:   r.TokenCap,
			Archived:   r.ArchivedAt != nil,
		}
		for _, t := range tiers {
			s.Phases += t.Total
			s.Complete += t.Complete
			s.Failed += t.Failed
		}
		if l, err := store.GetLease(ctx, r.ID); err == nil {
			s.Holder = l.Holder
		}
		summaries = append(summaries, s)
	}

	if jsonOut {
		return printJSON(summaries)
	}
	if len(summaries) == 0 {
		fmt.Println("No runs. Create one with: drydock import plan.yaml")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tNAME\tPHASES\tCOMPLETE\tFAILED\tTOKENS\tHOLDER")
	for _, s := range summaries {
		name := truncate(s.Name, 32)
		if s.Archived {
			name += " (archived)"
		}
		failed := fmt.Sprint(s.Failed)
		if s.Failed > 0 {
			failed = color.RedString(failed)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.ID, name, s.Phases, s.Complete, failed, tokenUsage(s.TokensUsed, s.TokenCap), s.Holder)
	}
	return w.Flush()
}

func tokenUsage(used, capacity int64) string {
	if capacity <= 0 {
		return humanize.Comma(used)
	}
	return fmt.Sprintf("%s/%s", humanize.Comma(used), humanize.Comma(capacity))
}

type runDetail struct {
	Run      *db.Run          `json:"run"`
	Tiers    []db.TierSummary `json:"tiers"`
	Phases   []*db.Phase      `json:"phases"`
	Attempts []*db.Attempt    `json:"attempts"`
}

func showRun(ctx context.Context, store *db.Store, runID string, limit int) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return runNotFound(runID, err)
	}
	tiers, err := store.ListTierSummaries(ctx, runID)
	if err != nil {
		return err
	}
	phases, err := store.ListPhases(ctx, runID)
	if err != nil {
		return err
	}
	recent, err := store.ListRecentAttempts(ctx, runID, limit)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(runDetail{Run: run, Tiers: tiers, Phases: phases, Attempts: recent})
	}

	bold := color.New(color.Bold)
	bold.Printf("%s  %s\n", run.ID, run.Name)
	fmt.Printf("Tokens: %s  Created: %s\n", tokenUsage(run.TokensUsed, run.TokenCap), humanize.Time(run.CreatedAt))
	if run.ArchivedAt != nil {
		fmt.Printf("Archived %s\n", humanize.Time(*run.ArchivedAt))
	}

	byTier := make(map[string][]*db.Phase)
	for _, p := range phases {
		byTier[p.TierID] = append(byTier[p.TierID], p)
	}
	for _, t := range tiers {
		fmt.Println()
		bold.Printf("Tier %d: %s", t.Ordinal, t.Name)
		fmt.Printf("  (%d/%d complete, %d failed)\n", t.Complete, t.Total, t.Failed)
		for _, p := range byTier[t.ID] {
			c := phaseColor(p.State)
			fmt.Printf("  %s %-28s %-10s attempts=%d/%d\n",
				c.Sprint(phaseIcon(p.State)), truncate(p.Name, 28), c.Sprint(p.State), p.BuilderAttempts, p.TotalAttempts)
			if p.State == db.PhaseFailed {
				fmt.Printf("      %s %s\n", color.RedString(p.LastStopCode), truncate(p.LastFailureReason, 80))
				if p.LastOutputRef != "" {
					fmt.Printf("      output: %s\n", p.LastOutputRef)
				}
			}
		}
	}

	if len(recent) == 0 {
		return nil
	}
	fmt.Println()
	bold.Println("Recent attempts")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\t#\tMODE\tBUDGET\tOUT\tOUTCOME\tDURATION\tSTARTED")
	for _, a := range recent {
		outcome := string(a.Outcome)
		if a.FailureKind != "" {
			outcome += "/" + a.FailureKind
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(a.PhaseID, 12), a.AttemptNumber, a.RepresentationMode,
			humanize.Comma(int64(a.ActualMaxTokens)), humanize.Comma(int64(a.ActualOutputTokens)),
			outcome, (time.Duration(a.DurationMS) * time.Millisecond).Round(time.Millisecond), humanize.Time(a.StartedAt))
	}
	return w.Flush()
}
