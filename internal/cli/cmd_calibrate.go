package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/budget"
	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// newCalibrateCmd creates the calibrate command
func newCalibrateCmd() *cobra.Command {
	var schedule bool

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Propose budget table changes from attempt telemetry",
		Long: `Group successful attempt telemetry by (category, complexity) and write
proposed floor and multiplier changes to a yaml file. Proposals are never
applied; review them and edit the calibration table by hand.

With --schedule the job runs on calibration.schedule (standard 5-field cron)
until interrupted.

Examples:
  drydock calibrate
  drydock calibrate --out /tmp/proposals.yaml
  drydock calibrate --schedule`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := SetupSignalHandler()
			defer cancel()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			est, err := newEstimator(ctx)
			if err != nil {
				return err
			}

			if !schedule {
				return calibrateOnce(ctx, store, est, true)
			}
			return calibrateScheduled(ctx, store, est, cfg.Calibration.Schedule)
		},
	}
	cmd.Flags().BoolVar(&schedule, "schedule", false, "run on calibration.schedule until interrupted")
	cmd.Flags().String("out", "", "proposal file path (default calibration.output)")
	bindFlag(cmd, "calibration.output", "out")
	return cmd
}

func newCalibrator(store *db.Store, est *budget.Estimator) *budget.Calibrator {
	return budget.NewCalibrator(store, est.Table, budget.CalibratorConfig{
		MinSamples:     cfg.Calibration.MinSamples,
		MaxVariance:    cfg.Calibration.MaxVariance,
		TargetHeadroom: cfg.Calibration.TargetHeadroom,
		MinChange:      cfg.Calibration.MinChange,
	})
}

func calibrateOnce(ctx context.Context, store *db.Store, est *budget.Estimator, report bool) error {
	proposals, stats, err := newCalibrator(store, est).Propose(ctx)
	if err != nil {
		return err
	}
	samples := 0
	for _, st := range stats {
		samples += st.Samples
	}
	if err := budget.WriteProposals(cfg.Calibration.Output, &budget.ProposalFile{
		GeneratedAt: time.Now().UTC(),
		Samples:     samples,
		Proposals:   proposals,
	}); err != nil {
		return err
	}
	slog.Info("calibration proposals written",
		"path", cfg.Calibration.Output,
		"samples", samples,
		"proposals", len(proposals),
	)
	if !report {
		return nil
	}

	if jsonOut {
		return printJSON(map[string]any{"path": cfg.Calibration.Output, "groups": stats, "proposals": proposals})
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCOMPLEXITY\tSAMPLES\tMEDIAN\tVARIANCE\tRESULT")
	for _, st := range stats {
		result := "proposed"
		if st.Skipped != "" {
			result = st.Skipped
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%.3f\t%s\n",
			st.Category, st.Complexity, st.Samples, st.MedianRatio, st.Variance, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d proposals written to %s\n", len(proposals), cfg.Calibration.Output)
	return nil
}

func calibrateScheduled(ctx context.Context, store *db.Store, est *budget.Estimator, spec string) error {
	if spec == "" {
		return dderrors.ErrConfigInvalid("calibration.schedule", "required with --schedule")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return dderrors.ErrConfigInvalid("calibration.schedule", err.Error())
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := calibrateOnce(ctx, store, est, false); err != nil {
			slog.Error("scheduled calibration failed", "error", err)
		}
	}))

	c.Start()
	slog.Info("calibration scheduled", "schedule", spec, "next", sched.Next(time.Now()))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
