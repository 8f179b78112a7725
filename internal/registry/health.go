package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/pipeline"
)

// HealthChecker periodically probes disabled sources whose cooldown has
// elapsed and restores the ones that answer. Probes go through the same
// synchronized registry updates as attempt results.
type HealthChecker struct {
	registry   *Registry
	strategies map[string]pipeline.FetchStrategy
	clock      pipeline.Clock
	interval   time.Duration
	emitter    events.Emitter
	logger     *zap.Logger
}

// NewHealthChecker constructs a HealthChecker over the given strategies.
func NewHealthChecker(
	reg *Registry,
	strategies map[string]pipeline.FetchStrategy,
	clock pipeline.Clock,
	interval time.Duration,
	emitter events.Emitter,
	logger *zap.Logger,
) *HealthChecker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		registry:   reg,
		strategies: strategies,
		clock:      clock,
		interval:   interval,
		emitter:    emitter,
		logger:     logger,
	}
}

// Run blocks, probing due sources until the context finishes.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HealthChecker) sweep(ctx context.Context) {
	for _, name := range h.registry.DisabledPastCooldown(h.clock.Now()) {
		strategy, ok := h.strategies[name]
		if !ok {
			h.logger.Warn("no strategy registered for disabled source", zap.String("source", name))
			continue
		}
		timeout := h.registry.Timeout(name)
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := strategy.Probe(probeCtx)
		cancel()
		if err != nil {
			h.logger.Debug("health probe failed, source stays disabled",
				zap.String("source", name), zap.Error(err))
			continue
		}
		h.registry.Restore(name)
		if h.emitter != nil {
			h.emitter.Emit(events.Event{
				TS:     h.clock.Now(),
				Stage:  events.StageSourceRestored,
				Source: name,
			})
		}
	}
	metrics.SetSourcesDisabled(h.registry.DisabledCount())
}
