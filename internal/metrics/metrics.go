// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package metrics provides Prometheus instrumentation for the auth core:
// token refresh lifecycle, circuit breaker state, credential extraction and
// cache efficiency. Authorization-decision metrics live in internal/authz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Token Refresh Metrics

	// ManagedTokens tracks the current number of registered sessions.
	ManagedTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auth_managed_tokens",
			Help: "Current number of sessions with managed token pairs",
		},
	)

	// TokenRefreshesTotal counts refresh attempts by outcome.
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Total number of token refresh operations",
		},
		[]string{"outcome"}, // "success", "failure", "expired", "exhausted"
	)

	// TokenRefreshDuration tracks refresh operation latency including retries.
	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_token_refresh_duration_seconds",
			Help:    "Duration of token refresh operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TokenRefreshBatchSize tracks how many sessions each monitor sweep refreshed.
	TokenRefreshBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_token_refresh_batch_size",
			Help:    "Number of sessions processed per monitor sweep",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// SessionsRemovedTotal counts session removals by reason.
	SessionsRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_sessions_removed_total",
			Help: "Total number of managed sessions removed",
		},
		[]string{"reason"},
	)

	// Circuit Breaker Metrics

	// CircuitBreakerState exposes breaker state per operation
	// (0 = closed, 1 = half-open, 2 = open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "auth_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"operation"},
	)

	// CircuitBreakerTransitions counts state transitions per operation.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "from", "to"},
	)

	// CircuitBreakerRejections counts fast-failed calls per operation.
	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"operation"},
	)

	// RetryAttemptsTotal counts retry attempts per operation.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// Credential Extraction Metrics

	// CredentialExtractionsTotal counts extraction results by scheme and outcome.
	CredentialExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_credential_extractions_total",
			Help: "Total number of credential extraction attempts",
		},
		[]string{"scheme", "outcome"}, // outcome: "hit", "miss", "invalid", "expired"
	)

	// CredentialCacheHits counts identity cache hits.
	CredentialCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_credential_cache_hits_total",
			Help: "Total number of credential cache hits",
		},
		[]string{"scheme"},
	)

	// Generic Cache Metrics

	// CacheHitsTotal counts cache hits per cache name.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	// CacheMissesTotal counts cache misses per cache name.
	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// WebSocket Bridge Metrics

	// WebSocketSessions tracks currently bound websocket connections.
	WebSocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auth_websocket_sessions",
			Help: "Current number of websocket connections bound to managed sessions",
		},
	)

	// HTTP API Metrics

	// APIRequestsTotal counts HTTP requests by method, path and status.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_api_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration tracks HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_api_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveRequests tracks HTTP requests currently in flight.
	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auth_api_active_requests",
			Help: "Current number of in-flight HTTP API requests",
		},
	)
)

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		ActiveRequests.Inc()
		return
	}
	ActiveRequests.Dec()
}

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, path, status string, duration float64) {
	APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordBreakerState records a breaker state as a numeric gauge value.
func RecordBreakerState(operation, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(operation).Set(v)
}
