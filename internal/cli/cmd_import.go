package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/plan"
)

// newImportCmd creates the import command
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <plan.yaml>",
		Short: "Create a run from a plan file",
		Long: `Create a run with its tiers and phases from a YAML plan file.

The first phase is queued; the rest wait until their predecessor completes.

Plan format:
  name: widget-service
  workspace: ./ws          # optional, defaults to execution.workspace_dir
  token_cap: 200000        # optional, 0 means unlimited
  tiers:
    - name: foundation
      phases:
        - name: models
          description: Define the widget model
          category: implementation   # default implementation
          complexity: medium         # low, medium or high
          deliverables: ["internal/widget/*.go"]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.Load(args[0])
			if err != nil {
				if errors.Is(err, plan.ErrInvalid) || errors.Is(err, plan.ErrEmpty) {
					return dderrors.ErrConfigInvalid(args[0], err.Error())
				}
				return err
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, phases, err := plan.Import(cmd.Context(), store, p, "cli")
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]any{
					"run_id": run.ID,
					"name":   run.Name,
					"tiers":  len(p.Tiers),
					"phases": len(phases),
				})
			}
			fmt.Printf("Imported run %s (%s): %d tiers, %d phases\n", run.ID, run.Name, len(p.Tiers), len(phases))
			fmt.Printf("  queued: %s\n", phases[0].Name)
			return nil
		},
	}
}
