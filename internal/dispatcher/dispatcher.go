// Package dispatcher manages worker fan-out over the work queue together
// with the background lease reaper and source health checker.
package dispatcher

import (
	"context"
	"sync"

	"github.com/stashd-io/stashd/internal/queue"
	"github.com/stashd-io/stashd/internal/registry"
	"github.com/stashd-io/stashd/internal/worker"
)

// Dispatcher runs the worker pool and the background maintenance loops.
type Dispatcher struct {
	workers []*worker.Worker
	reaper  *queue.Reaper
	health  *registry.HealthChecker
}

// New creates a Dispatcher. Reaper and health checker are optional.
func New(workers []*worker.Worker, reaper *queue.Reaper, health *registry.HealthChecker) *Dispatcher {
	return &Dispatcher{
		workers: workers,
		reaper:  reaper,
		health:  health,
	}
}

// Run starts everything and blocks until the context finishes and all
// goroutines have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reaper.Run(ctx)
		}()
	}
	if d.health != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.health.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}
