// Package metrics provides Prometheus instrumentation for the resilience
// gateway. All metric collectors are registered on init via the Init function
// and exposed through the Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts invoke API requests by dependency and HTTP status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_requests_total",
			Help: "Total invoke requests processed",
		},
		[]string{"dependency", "status"},
	)

	// RequestDuration observes end-to-end invoke latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callgate_request_duration_seconds",
			Help:    "End-to-end invoke latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	// BreakerState reports the current state per dependency
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callgate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// BreakerStateChanges counts breaker transitions by dependency and edge.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// BreakerRejections counts calls rejected by an open breaker.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"dependency"},
	)

	// QueuePending tracks requests waiting in the queue.
	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callgate_queue_pending",
			Help: "Requests waiting in the queue",
		},
		[]string{"queue"},
	)

	// QueueProcessing tracks requests currently executing.
	QueueProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callgate_queue_processing",
			Help: "Requests currently executing",
		},
		[]string{"queue"},
	)

	// QueueCompleted counts requests that ultimately succeeded.
	QueueCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_queue_completed_total",
			Help: "Requests that completed successfully",
		},
		[]string{"queue"},
	)

	// QueueFailed counts requests that were abandoned after exhausting retries.
	QueueFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_queue_failed_total",
			Help: "Requests rejected after exhausting retries",
		},
		[]string{"queue"},
	)

	// QueueRetries counts retry attempts scheduled by the queue.
	QueueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_queue_retries_total",
			Help: "Total retry attempts scheduled",
		},
		[]string{"queue"},
	)

	// QueueRejections counts enqueues rejected at capacity (backpressure).
	QueueRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_queue_rejections_total",
			Help: "Enqueue attempts rejected because the queue was full",
		},
		[]string{"queue"},
	)

	// QueueWaitSeconds observes time from (re)insertion to dequeue.
	QueueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callgate_queue_wait_seconds",
			Help:    "Time spent waiting in the queue before dispatch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// QueueProcessingSeconds observes per-attempt execution time.
	QueueProcessingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callgate_queue_processing_seconds",
			Help:    "Per-attempt execution time including timeout races",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// RateLimitHits counts rate limit rejections by dependency.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"dependency"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// UpstreamErrors counts upstream error responses by dependency and status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callgate_upstream_errors_total",
			Help: "Total upstream error responses (5xx)",
		},
		[]string{"dependency", "status"},
	)
)

var registerOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; registration happens on the first call.
func Init() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		BreakerState,
		BreakerStateChanges,
		BreakerRejections,
		QueuePending,
		QueueProcessing,
		QueueCompleted,
		QueueFailed,
		QueueRetries,
		QueueRejections,
		QueueWaitSeconds,
		QueueProcessingSeconds,
		RateLimitHits,
		AuthFailures,
		UpstreamErrors,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
