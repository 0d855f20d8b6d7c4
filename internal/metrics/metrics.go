// Package metrics registers the Prometheus metrics exported by aiguard.
// Metrics register on the default registry at import time; the server mounts
// promhttp.Handler() on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guard-level counters and histograms.
var (
	// RequestsTotal counts guarded requests labelled by endpoint and outcome
	// ("hit", "miss", "rejected", "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_requests_total",
			Help: "Total number of guarded requests by outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// RequestDuration observes end-to-end Guard.Handle latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiguard_request_duration_seconds",
			Help:    "End-to-end guarded request duration in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "outcome"},
	)
)

// Cache metrics.
var (
	// CacheLookups counts cache reads by result ("hit", "miss", "error").
	// Misses that joined another request's upstream call also count as "shared".
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_cache_lookups_total",
			Help: "Total cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheStorageErrors counts cache store failures by operation.
	CacheStorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_cache_storage_errors_total",
			Help: "Total cache storage failures by operation.",
		},
		[]string{"op"},
	)

	// CacheSweptEntries counts entries removed by SweepExpired.
	CacheSweptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiguard_cache_swept_entries_total",
			Help: "Total expired cache entries removed by sweeps.",
		},
	)

	// TokensSaved counts upstream tokens avoided by cache hits.
	TokensSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiguard_cache_tokens_saved_total",
			Help: "Total upstream tokens avoided by serving cached responses.",
		},
	)
)

// Rate limit metrics.
var (
	// RateLimitDecisions counts admission decisions labelled by endpoint and
	// decision ("allowed", "rejected", "failed_open", "failed_closed").
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_rate_limit_decisions_total",
			Help: "Total rate limit decisions by outcome.",
		},
		[]string{"endpoint", "decision"},
	)

	// RateLimitPruned counts windows deleted by retention pruning.
	RateLimitPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiguard_rate_limit_pruned_windows_total",
			Help: "Total rate limit windows removed by retention pruning.",
		},
	)
)

// Upstream metrics.
var (
	// UpstreamDuration observes upstream call latency in seconds.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiguard_upstream_duration_seconds",
			Help:    "Upstream AI call duration in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// UpstreamTokens counts tokens consumed upstream.
	UpstreamTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_upstream_tokens_total",
			Help: "Total tokens consumed by upstream calls.",
		},
		[]string{"provider", "model"},
	)

	// UpstreamErrors counts upstream failures by provider and error type
	// ("provider_error", "circuit_open", "timeout").
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_upstream_errors_total",
			Help: "Total upstream errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState tracks per-provider circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiguard_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)
)
