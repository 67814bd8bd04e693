package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// newLeaseCmd creates the lease command
func newLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect or release executor leases",
		Long: `Inspect or release the executor lease of a run.

Commands:
  show       Show the lease holder, heartbeat age and in-flight phase
  release    Remove a stale lease (--force removes a live one)`,
	}
	cmd.AddCommand(newLeaseShowCmd())
	cmd.AddCommand(newLeaseReleaseCmd())
	return cmd
}

type leaseView struct {
	RunID           string    `json:"run_id"`
	Holder          string    `json:"holder"`
	AcquiredAt      time.Time `json:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	InFlightPhaseID string    `json:"in_flight_phase_id,omitempty"`
	Stale           bool      `json:"stale"`
}

func newLeaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if _, err := store.GetRun(ctx, args[0]); err != nil {
				return runNotFound(args[0], err)
			}
			l, err := store.GetLease(ctx, args[0])
			if errors.Is(err, db.ErrNotFound) {
				if jsonOut {
					return printJSON(nil)
				}
				fmt.Printf("Run %s has no lease\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}

			view := leaseView{
				RunID:           l.RunID,
				Holder:          l.Holder,
				AcquiredAt:      l.AcquiredAt,
				LastHeartbeatAt: l.LastHeartbeatAt,
				InFlightPhaseID: l.InFlightPhaseID,
				Stale:           l.IsStale(store.Now(), cfg.Lease.StaleAfter),
			}
			if jsonOut {
				return printJSON(view)
			}

			state := color.GreenString("live")
			if view.Stale {
				state = color.YellowString("stale")
			}
			fmt.Printf("Run:        %s\n", view.RunID)
			fmt.Printf("Holder:     %s (%s)\n", view.Holder, state)
			fmt.Printf("Acquired:   %s\n", humanize.Time(view.AcquiredAt))
			fmt.Printf("Heartbeat:  %s\n", humanize.Time(view.LastHeartbeatAt))
			if view.InFlightPhaseID != "" {
				fmt.Printf("In flight:  %s\n", view.InFlightPhaseID)
			}
			return nil
		},
	}
}

func newLeaseReleaseCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <run-id>",
		Short: "Release a run's lease",
		Long: `Remove a run's lease so another executor can acquire it without waiting
for the stale threshold.

A live lease is refused with LEASE_CONFLICT unless --force is given. Forcing
a live lease does not stop its holder; the holder notices the loss on its
next heartbeat and abandons its in-flight attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if _, err := store.GetRun(ctx, args[0]); err != nil {
				return runNotFound(args[0], err)
			}
			l, err := store.GetLease(ctx, args[0])
			if errors.Is(err, db.ErrNotFound) {
				fmt.Printf("Run %s has no lease\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if !force && !l.IsStale(store.Now(), cfg.Lease.StaleAfter) {
				return dderrors.ErrLeaseConflict(args[0], l.Holder)
			}

			removed, err := newLeases(store).ForceRelease(ctx, args[0])
			if err != nil {
				return err
			}
			if removed {
				if err := store.AppendRunEvent(ctx, &db.RunEvent{
					RunID:  args[0],
					Kind:   db.EventLeaseReleased,
					Actor:  "cli",
					Detail: fmt.Sprintf("released lease of %s (force=%t)", l.Holder, force),
				}); err != nil {
					return err
				}
				fmt.Printf("Released lease of %s on run %s\n", l.Holder, args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release even when the lease is live")
	return cmd
}
