package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// newArchiveCmd creates the archive command
func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <run-id>",
		Short: "Archive a run",
		Long: `Mark a run archived. Archived runs are hidden from status, skipped by
drain and refuse new leases. A run with a live lease cannot be archived.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			err = store.ArchiveRun(ctx, args[0], cfg.Lease.StaleAfter, "cli")
			switch {
			case err == nil:
			case errors.Is(err, db.ErrNotFound):
				return dderrors.ErrRunNotFound(args[0])
			case errors.Is(err, db.ErrLiveLease):
				holder := "another executor"
				if l, lerr := store.GetLease(ctx, args[0]); lerr == nil {
					holder = l.Holder
				}
				return dderrors.ErrLeaseConflict(args[0], holder).WithCause(err)
			case errors.Is(err, db.ErrConcurrentModification):
				return dderrors.ErrRunArchived(args[0])
			default:
				return err
			}
			fmt.Printf("Run %s archived\n", args[0])
			return nil
		},
	}
}
