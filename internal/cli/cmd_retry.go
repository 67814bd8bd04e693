package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/lifecycle"
)

// newRetryCmd creates the retry command
func newRetryCmd() *cobra.Command {
	var allowMultiple bool

	cmd := &cobra.Command{
		Use:   "retry <phase-id>",
		Short: "Requeue a failed phase",
		Long: `Move a FAILED phase back to QUEUED and reset its attempt counter.

The request is refused when the run already has a queued phase, unless
--allow-multiple-queued is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctl := lifecycle.NewController(store, newLeases(store), nil, lifecycle.ConfigFrom(cfg))
			if err := ctl.RetryPhase(cmd.Context(), args[0], lifecycle.RetryOptions{
				AllowMultipleQueued: allowMultiple,
				Actor:               "cli",
			}); err != nil {
				return err
			}
			fmt.Printf("Phase %s queued\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowMultiple, "allow-multiple-queued", false, "queue even when the run already has a queued phase")
	return cmd
}
