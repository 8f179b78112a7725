// Package queue holds cross-backend work queue helpers.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/pipeline"
)

// Reaper periodically returns expired leases to pending so that items held
// by crashed workers become leasable again.
type Reaper struct {
	queue    pipeline.WorkQueue
	clock    pipeline.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(q pipeline.WorkQueue, clock pipeline.Clock, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{queue: q, clock: clock, interval: interval, logger: logger}
}

// Run blocks, scanning for expired leases until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := r.queue.ReapExpired(ctx, r.clock.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("lease reap failed", zap.Error(err))
				continue
			}
			if reaped > 0 {
				metrics.ObserveLeasesReaped(reaped)
				r.logger.Info("expired leases returned to pending", zap.Int("count", reaped))
			}
		}
	}
}
