// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision outcomes recorded by the limiter.
const (
	OutcomeAllowed    = "allowed"
	OutcomeRejected   = "rejected"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// RateLimitDecisionsTotal counts limiter decisions by policy and outcome.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"endpoint", "outcome"},
	)

	// RateLimitStoreErrorsTotal counts failed store round trips.
	RateLimitStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_store_errors_total",
			Help: "Total number of rate limit store errors",
		},
		[]string{"backend", "operation"},
	)

	// RateLimitStoreDuration measures store round trip latency.
	RateLimitStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_store_duration_seconds",
			Help:    "Rate limit store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	// RateLimitCleanupDeletedTotal counts expired records purged by cleanup.
	RateLimitCleanupDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_cleanup_deleted_total",
			Help: "Total number of expired rate limit records deleted",
		},
	)

	// StreamSubscribers tracks connected decision stream clients.
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_stream_subscribers",
			Help: "Number of connected rate limit decision stream clients",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision records a limiter decision.
func RecordDecision(endpoint, outcome string) {
	RateLimitDecisionsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordStoreOperation records a store round trip and whether it failed.
func RecordStoreOperation(backend, operation string, duration time.Duration, err error) {
	RateLimitStoreDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		RateLimitStoreErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}

// RecordCleanup records the number of records purged by one cleanup run.
func RecordCleanup(deleted int64) {
	if deleted > 0 {
		RateLimitCleanupDeletedTotal.Add(float64(deleted))
	}
}
