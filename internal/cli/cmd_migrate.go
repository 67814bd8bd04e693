package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drydock/internal/config"
)

// newMigrateCmd creates the migrate command
func newMigrateCmd() *cobra.Command {
	var initConfig bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Apply pending schema migrations to the configured database.

Migrations are also applied whenever a command opens the database; this
command only makes the step explicit.

Examples:
  drydock migrate                 # Migrate the configured database
  drydock migrate --init-config   # Also write .drydock/config.yaml with defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initConfig {
				path := filepath.Join(config.DrydockDir, config.ConfigFileName)
				if _, err := os.Stat(path); err == nil {
					fmt.Printf("%s already exists, leaving it unchanged\n", path)
				} else {
					if err := config.WriteDefault(path); err != nil {
						return err
					}
					fmt.Printf("Wrote %s\n", path)
				}
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			version, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Database ready (%s, schema version %d)\n", store.Dialect(), version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&initConfig, "init-config", false, "write a default project config file")
	return cmd
}
