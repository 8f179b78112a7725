package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stashd-io/stashd/internal/events"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns
// the collectors for item lifecycle outcomes and per-source attempts.
type PrometheusSink struct {
	itemsLeased    prometheus.Counter
	itemsFinished  *prometheus.CounterVec
	itemsInFlight  prometheus.Gauge
	itemRuntime    *prometheus.HistogramVec
	attemptsTotal  *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec

	tracker *itemTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		itemsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stashd_pipeline_items_leased_total",
			Help: "Total queue items leased by workers.",
		}),
		itemsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stashd_pipeline_items_finished_total",
			Help: "Items that reached a terminal or retry outcome, by result.",
		}, []string{"result"}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stashd_pipeline_items_in_flight",
			Help: "Current number of leased items being resolved.",
		}),
		itemRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stashd_pipeline_item_runtime_seconds",
			Help:    "Wall time per finished item, by result.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stashd_pipeline_attempts_total",
			Help: "Fetch attempts partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stashd_pipeline_attempt_latency_seconds",
			Help:    "Attempt latency partitioned by source and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 30},
		}, []string{"source", "outcome"}),
		tracker: newItemTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.itemsLeased,
		s.itemsFinished,
		s.itemsInFlight,
		s.itemRuntime,
		s.attemptsTotal,
		s.attemptLatency,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageItemLeased:
		s.itemsLeased.Inc()
		if s.tracker.start(evt.CaptureID) {
			s.itemsInFlight.Inc()
		}
	case events.StageItemCompleted:
		s.finish(evt, "completed")
	case events.StageItemRetry:
		s.finish(evt, "retry")
	case events.StageItemDead:
		s.finish(evt, "dead")
	case events.StageAttemptDone:
		s.attemptsTotal.WithLabelValues(evt.Source, evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.attemptLatency.WithLabelValues(evt.Source, evt.Outcome).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) finish(evt events.Event, result string) {
	s.itemsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.itemRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.CaptureID) {
		s.itemsInFlight.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type itemTracker struct {
	mu     sync.Mutex
	leased map[string]struct{}
}

func newItemTracker() *itemTracker {
	return &itemTracker{leased: make(map[string]struct{})}
}

func (t *itemTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.leased[id]; ok {
		return false
	}
	t.leased[id] = struct{}{}
	return true
}

func (t *itemTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.leased[id]; !ok {
		return false
	}
	delete(t.leased, id)
	return true
}
