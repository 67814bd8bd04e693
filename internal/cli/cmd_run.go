package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/lifecycle"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Execute a run's phases in order",
		Long: `Acquire the run's lease and execute its queued phases one after another
until the run completes, a phase fails, or the process is interrupted.

A run whose lease is held live by another executor is refused with a
LEASE_CONFLICT error. Interrupting with Ctrl+C finishes the in-flight
attempt record and releases the lease.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := SetupSignalHandler()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			results, err := a.controller.RunAll(ctx, args[0])
			printResults(results, time.Since(start))
			return err
		},
	}
}

func printResults(results []*lifecycle.Result, elapsed time.Duration) {
	if jsonOut {
		_ = printJSON(results)
		return
	}
	for _, r := range results {
		icon := phaseColor(r.State).Sprint(phaseIcon(r.State))
		line := fmt.Sprintf("%s %s %s  attempts=%d", icon, r.PhaseID, r.State, r.Attempts)
		if r.StopCode != "" {
			line += "  stop=" + r.StopCode
		}
		if r.OutputRef != "" {
			line += "  output=" + r.OutputRef
		}
		fmt.Println(line)
	}
	fmt.Printf("%d phases in %s\n", len(results), elapsed.Round(time.Second))
}
