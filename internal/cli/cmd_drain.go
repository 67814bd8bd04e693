package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/config"
	"github.com/randalmurphal/drydock/internal/drain"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// newDrainCmd creates the drain command
func newDrainCmd() *cobra.Command {
	var (
		maxMinutes           int
		allowMultipleQueued  bool
		includeDeprioritized bool
		runFilter            []string
		resume               string
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Retry failed phases across runs until a stop condition trips",
		Long: `Walk the backlog of FAILED phases across all runs, one phase at a time.

Each step requeues one failed phase, executes it under the run's lease and
classifies the result. Runs that keep producing the same failure are
deprioritized; runs held by another executor are skipped for the session.

The session stops normally when no candidate remains or the batch size is
reached. It halts early, exiting 2, when the wall-clock budget runs out, the
zero-yield streak reaches its cap, or the process is interrupted. A halted
session can be continued with --resume.

Examples:
  drydock drain --batch-size 20
  drydock drain --run RUN-A --run RUN-B --max-minutes 30
  drydock drain --resume 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := SetupSignalHandler()
			defer cancel()

			dcfg := drain.ConfigFrom(cfg)
			if cmd.Flags().Changed("max-minutes") {
				dcfg.MaxWallClock = time.Duration(maxMinutes) * time.Minute
			}
			dcfg.AllowMultipleQueued = allowMultipleQueued
			dcfg.IncludeDeprioritized = includeDeprioritized
			dcfg.RunFilter = runFilter
			if dcfg.StateDir == "" {
				dcfg.StateDir = config.DrydockDir
			}

			var s *drain.Session
			if resume != "" {
				loaded, err := drain.LoadSession(dcfg.StateDir, resume)
				if errors.Is(err, drain.ErrSessionNotFound) {
					return dderrors.ErrConfigInvalid("--resume", fmt.Sprintf("no session %s under %s", resume, filepath.Join(dcfg.StateDir, "drain")))
				}
				if err != nil {
					return err
				}
				s = loaded
			} else {
				s = drain.NewSession()
			}

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			d := drain.New(a.store, a.leases, a.controller, dcfg, nil)
			report, runErr := d.Run(ctx, s)
			if report != nil {
				if jsonOut {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printDrainReport(report, drain.SessionPath(dcfg.StateDir, s.ID))
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.Int("batch-size", 0, "stop after this many phases (0 = unlimited)")
	f.Duration("phase-timeout", 0, "per-phase execution timeout")
	f.Int("max-attempts", 0, "samples per phase per session")
	f.Int("fingerprint-repeat-cap", 0, "deprioritize a run after this many repeats of one failure")
	f.Int("zero-yield-cap", 0, "halt after this many consecutive zero-yield samples")
	f.Int("max-timeouts-per-run", 0, "skip a run after this many phase timeouts")
	f.IntVar(&maxMinutes, "max-minutes", 0, "halt after this many minutes of wall clock")
	f.BoolVar(&allowMultipleQueued, "allow-multiple-queued", false, "requeue even when a run already has a queued phase")
	f.BoolVar(&includeDeprioritized, "include-deprioritized", false, "keep sampling deprioritized runs")
	f.StringArrayVar(&runFilter, "run", nil, "restrict the session to this run (repeatable)")
	f.StringVar(&resume, "resume", "", "continue a saved session by id")

	bindFlag(cmd, "drain.batch_size", "batch-size")
	bindFlag(cmd, "drain.phase_timeout", "phase-timeout")
	bindFlag(cmd, "drain.max_attempts_per_phase", "max-attempts")
	bindFlag(cmd, "drain.fingerprint_repeat_cap", "fingerprint-repeat-cap")
	bindFlag(cmd, "drain.zero_yield_cap", "zero-yield-cap")
	bindFlag(cmd, "drain.max_timeouts_per_run", "max-timeouts-per-run")

	return cmd
}

func printDrainReport(r *drain.Report, artifact string) {
	for _, o := range r.Outcomes {
		line := fmt.Sprintf("%s %s  %s", verdictMark(o.Verdict), o.PhaseID, o.State)
		if o.ZeroYieldReason != "" {
			line += "  " + color.New(color.Faint).Sprint(o.ZeroYieldReason)
		}
		if o.StopCode != "" {
			line += "  stop=" + o.StopCode
		}
		fmt.Println(line)
	}

	fmt.Println()
	status := color.GreenString(r.StopReason)
	if r.Halted {
		status = color.New(color.FgRed, color.Bold).Sprintf("halted: %s", r.StopReason)
	}
	fmt.Printf("Session %s  %s\n", r.SessionID, status)
	fmt.Printf("  drained %d  completed %d  failed %d  yield %d  in %s\n",
		r.Drained, r.Completed, r.Failed, r.Yield, r.Elapsed.Round(time.Second))
	for reason, n := range r.ZeroYield {
		fmt.Printf("  zero-yield %-24s %d\n", reason, n)
	}
	if len(r.Promising) > 0 {
		fmt.Printf("  promising:     %v\n", r.Promising)
	}
	if len(r.Deprioritized) > 0 {
		fmt.Printf("  deprioritized: %v\n", r.Deprioritized)
	}
	if len(r.LeaseSkipped) > 0 {
		fmt.Printf("  lease skipped: %v\n", r.LeaseSkipped)
	}
	fmt.Printf("  session file:  %s\n", artifact)
}

func verdictMark(v drain.Verdict) string {
	switch v {
	case drain.VerdictPromising:
		return color.GreenString("+")
	case drain.VerdictDeprioritized:
		return color.RedString("-")
	default:
		return color.New(color.Faint).Sprint("·")
	}
}
