package lease

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	dderrors "github.com/randalmurphal/drydock/internal/errors"
)

// Hold runs fn while renewing the run's lease every interval. fn's context
// is canceled with an error wrapping ErrLost when the lease stops naming us,
// or when the last successful renewal is older than the stale threshold.
// In that case Hold returns the loss rather than fn's error.
//
// The caller must already hold the lease.
func (m *Manager) Hold(ctx context.Context, runID string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 || interval >= m.staleAfter {
		interval = m.staleAfter / 3
	}

	g, gctx := errgroup.WithContext(ctx)
	workCtx, cancelWork := context.WithCancelCause(gctx)
	defer cancelWork(nil)

	stop := make(chan struct{})
	g.Go(func() error {
		m.keep(gctx, runID, interval, stop, cancelWork)
		return nil
	})
	g.Go(func() error {
		defer close(stop)
		return fn(workCtx)
	})

	err := g.Wait()
	if cause := context.Cause(workCtx); errors.Is(cause, ErrLost) {
		return cause
	}
	return err
}

// keep is the heartbeat loop.
func (m *Manager) keep(ctx context.Context, runID string, interval time.Duration, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := m.store.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		err := m.Renew(ctx, runID)
		switch {
		case err == nil:
			lastRenewed = m.store.Now()
		case errors.Is(err, ErrLost):
			m.logger.Error("lease lost, stopping execution", "run_id", runID)
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			age := m.store.Now().Sub(lastRenewed)
			m.logger.Warn("lease renewal failed", "run_id", runID, "error", err, "since_last_renewal", age)
			if age >= m.staleAfter {
				m.logger.Error("lease renewals failing past stale threshold, stopping execution", "run_id", runID)
				cancel(dderrors.ErrLeaseLost(runID).WithCause(ErrLost))
				return
			}
		}
	}
}
