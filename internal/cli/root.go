// Package cli implements the drydock command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/drydock/internal/config"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "Leased, budget-aware phase execution for generated code",
	Long: `drydock executes planned phases of generated work against a workspace.

Each phase is dispatched to a generation endpoint under a token budget,
validated against its declared deliverables and tests, and retried through
an ordered recovery chain. A drain session walks the backlog of failed
phases across runs.

Quick start:
  drydock migrate              Create or upgrade the database
  drydock import plan.yaml     Create a run from a plan file
  drydock run RUN-ID           Execute the run's phases in order
  drydock status               Show runs and phases
  drydock drain                Retry failed phases across runs`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .drydock/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRetryCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLeaseCmd())
	rootCmd.AddCommand(newArchiveCmd())
	rootCmd.AddCommand(newDrainCmd())
	rootCmd.AddCommand(newCalibrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// loadConfig reads configuration into the global viper instance, where
// command flags are already bound, and installs the default logger.
func loadConfig() error {
	loaded, sources, err := config.Load(viper.GetViper(), config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return err
	}
	cfg = loaded
	setupLogging(cfg.Logging)
	slog.Debug("configuration loaded", "sources", sources.String())
	return nil
}

func setupLogging(lc config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch lc.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		if stderrIsTerminal() {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
	}
	slog.SetDefault(slog.New(handler))
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// bindFlag binds a command flag to a config key so the flag overrides files
// and environment.
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}
