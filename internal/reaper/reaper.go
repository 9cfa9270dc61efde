// Package reaper closes sessions idle past their timeout. One loop runs
// per process, at a fixed cadence plus an opportunistic pass at startup.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"execgate/internal/errs"
)

// SessionManager is the slice of the manager the reaper drives.
type SessionManager interface {
	IdleSessions(now time.Time) []string
	ReapSession(ctx context.Context, id string) error
}

type Reaper struct {
	manager  SessionManager
	interval time.Duration
	logger   *slog.Logger
}

func New(manager SessionManager, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes every idle session once. A session closed concurrently is
// skipped silently; a runtime failure is logged and retried next tick.
func (r *Reaper) Sweep(ctx context.Context) {
	idle := r.manager.IdleSessions(time.Now())
	reaped := 0
	for _, id := range idle {
		err := r.manager.ReapSession(ctx, id)
		switch {
		case err == nil:
			reaped++
		case errs.Is(err, errs.CodeSessionNotFound):
			// Lost the race with an explicit close.
		case errs.Is(err, errs.CodeRuntimeUnavailable):
			r.logger.Error("reaper: teardown failed, will retry", "session_id", id, "error", err)
		default:
			r.logger.Error("reaper: teardown failed", "session_id", id, "error", err)
		}
	}
	if reaped > 0 {
		r.logger.Info("reaper: reaped sessions", "count", reaped)
	}
}
