package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
)

// ShutdownTimeout bounds how long the channel and metrics servers may take to close.
const ShutdownTimeout = 10 * time.Second

// Shutdown stops the components in reverse order of Initialize:
//  1. Cancels the application context
//  2. Stops the key file watcher
//  3. Stops the channel server (clients are closed with 1001)
//  4. Stops the metrics endpoint
//  5. Stops the scheduler if the orchestrator left it running
//
// It is safe to call after a partial Initialize and more than once.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return nil
	}
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs error

	if a.keyWatcher != nil {
		if err := a.keyWatcher.Close(); err != nil {
			a.logger.Error("failed to stop key watcher", err)
		}
		a.keyWatcher = nil
	}

	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Error("failed to stop channel server", err)
			errs = errors.CombineErrors(errs, err)
		}
	}

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Error("failed to stop metrics endpoint", err)
			errs = errors.CombineErrors(errs, errors.Wrap(err, "shutdown metrics endpoint"))
		}
		a.metricsSrv = nil
	}

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil && !errors.Is(err, cron.ErrNotStarted) {
			a.logger.Error("failed to stop scheduler", err)
			errs = errors.CombineErrors(errs, err)
		}
	}

	a.started = false
	a.logger.Info("application shutdown complete")
	return errs
}
