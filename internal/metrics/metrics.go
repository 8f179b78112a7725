// Package metrics exposes Prometheus collectors for the stashd service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal       *prometheus.CounterVec
	fetchAttemptsTotal     *prometheus.CounterVec
	attemptDurationSeconds *prometheus.HistogramVec
	itemTransitionsTotal   *prometheus.CounterVec
	leasesReapedTotal      prometheus.Counter
	sourcesDisabled        prometheus.Gauge
	activeWorkers          prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stashd_submissions_total",
				Help: "Total submissions received, labeled by accept status.",
			},
			[]string{"status"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stashd_fetch_attempts_total",
				Help: "Fetch attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stashd_fetch_attempt_duration_seconds",
				Help:    "Latency of individual fetch attempts by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"source"},
		)

		itemTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stashd_queue_transitions_total",
				Help: "Queue item state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		leasesReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stashd_leases_reaped_total",
				Help: "Expired leases returned to pending by the reaper.",
			},
		)

		sourcesDisabled = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stashd_sources_disabled",
				Help: "Number of sources currently disabled by failure scoring.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stashd_active_workers",
				Help: "Number of workers currently processing a leased item.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission increments the submission counter for the status.
func ObserveSubmission(status string) {
	submissionsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt records one fetch attempt outcome and its latency.
func ObserveAttempt(source, outcome string, duration time.Duration) {
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
	attemptDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveTransition increments the queue transition counter.
func ObserveTransition(state string) {
	itemTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveLeasesReaped adds to the reaped lease counter.
func ObserveLeasesReaped(count int) {
	leasesReapedTotal.Add(float64(count))
}

// SetSourcesDisabled records how many sources are currently disabled.
func SetSourcesDisabled(count int) {
	sourcesDisabled.Set(float64(count))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
