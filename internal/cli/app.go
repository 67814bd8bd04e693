package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/drydock/internal/budget"
	"github.com/randalmurphal/drydock/internal/db"
	dderrors "github.com/randalmurphal/drydock/internal/errors"
	"github.com/randalmurphal/drydock/internal/fingerprint"
	"github.com/randalmurphal/drydock/internal/generation"
	"github.com/randalmurphal/drydock/internal/lease"
	"github.com/randalmurphal/drydock/internal/lifecycle"
	"github.com/randalmurphal/drydock/internal/testrunner"
)

// openStore opens the configured database, applying migrations.
func openStore(ctx context.Context) (*db.Store, error) {
	dialect, err := cfg.Database.Dialect()
	if err != nil {
		return nil, dderrors.ErrConfigInvalid("database.driver", err.Error())
	}
	store, err := db.OpenStore(ctx, cfg.Database.Target(), dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func newLeases(store *db.Store) *lease.Manager {
	return lease.NewManager(store, "", cfg.Lease.StaleAfter, slog.Default())
}

func newEndpoint() (generation.Endpoint, error) {
	ep, err := generation.NewAnthropicEndpoint(generation.AnthropicConfig{
		Model:     cfg.Generation.Model,
		APIKeyEnv: cfg.Generation.APIKeyEnv,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, dderrors.ErrConfigInvalid("generation", err.Error())
	}
	if cfg.Generation.RequestsPerMinute > 0 {
		return generation.NewRateLimited(ep, cfg.Generation.RequestsPerMinute, cfg.Generation.Burst), nil
	}
	return ep, nil
}

// newEstimator loads the calibration table. With budget.watch set, the
// table is hot-reloaded until ctx ends.
func newEstimator(ctx context.Context) (*budget.Estimator, error) {
	if cfg.Budget.CalibrationFile == "" {
		return budget.NewEstimator(nil, slog.Default()), nil
	}
	est, err := budget.OpenEstimator(cfg.Budget.CalibrationFile, slog.Default())
	if err != nil {
		return nil, dderrors.ErrConfigInvalid("budget.calibration_file", err.Error())
	}
	if cfg.Budget.Watch {
		go func() {
			if err := est.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("calibration watch stopped", "error", err)
			}
		}()
	}
	return est, nil
}

// loadRules returns the operator fingerprint rules at path, or nil for the
// embedded set when path is empty.
func loadRules(path string) (*fingerprint.Rules, error) {
	if path == "" {
		return nil, nil
	}
	rules, err := fingerprint.LoadRules(path)
	if err != nil {
		return nil, dderrors.ErrConfigInvalid("execution.fingerprint_rules", err.Error())
	}
	return rules, nil
}

// app bundles the components a command needs to execute phases.
type app struct {
	store      *db.Store
	leases     *lease.Manager
	controller *lifecycle.Controller
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

// newApp wires the store, lease manager and lifecycle controller.
func newApp(ctx context.Context) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	est, err := newEstimator(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rules, err := loadRules(cfg.Execution.FingerprintRules)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	leases := newLeases(store)
	opts := []lifecycle.Option{
		lifecycle.WithLogger(slog.Default()),
		lifecycle.WithEstimator(est),
	}
	if rules != nil {
		opts = append(opts, lifecycle.WithRules(rules))
	}
	if cfg.TestRunner.Command != "" {
		opts = append(opts, lifecycle.WithRunner(
			testrunner.NewCommandRunner(cfg.TestRunner.Command, cfg.TestRunner.Timeout, slog.Default())))
	}
	ctl := lifecycle.NewController(store, leases, ep, lifecycle.ConfigFrom(cfg), opts...)
	return &app{store: store, leases: leases, controller: ctl}, nil
}

// runNotFound maps a store miss onto the user-facing error.
func runNotFound(id string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return dderrors.ErrRunNotFound(id)
	}
	return err
}
