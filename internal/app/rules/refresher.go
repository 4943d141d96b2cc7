package rules

import (
	"context"
	"time"

	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

// Syncer is the part of Synchronizer the Refresher depends on.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Refresher periodically syncs rules in the background so a worker that sits
// idle still picks up new bundles.
type Refresher struct {
	syncer   Syncer
	interval time.Duration
	logger   *logger.Logger
}

// NewRefresher creates a Refresher that syncs every interval.
func NewRefresher(syncer Syncer, interval time.Duration, log *logger.Logger) *Refresher {
	return &Refresher{
		syncer:   syncer,
		interval: interval,
		logger:   log.With("component", "rules_refresher"),
	}
}

// Run syncs on every tick until ctx is done. A non-positive interval
// disables refreshing and Run returns immediately.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info(ctx, "background rule refresh disabled")
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "background rule refresh started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "background rule refresh stopped")
			return nil
		case <-ticker.C:
			if err := r.syncer.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn(ctx, "background rule refresh failed", "error", err)
			}
		}
	}
}
