// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package authz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisionsTotal counts authorization outcomes by result and how the
	// decision was reached.
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"result", "source"}, // result: "allowed"/"denied"; source: "cache", "store", "bypass", "fallback"
	)

	// decisionDuration tracks end-to-end authorization latency.
	decisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auth_authz_decision_duration_seconds",
			Help:    "Duration of authorization decisions in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// fallbacksTotal counts decisions resolved by the breaker fallback
	// policy instead of the policy store.
	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_authz_fallbacks_total",
			Help: "Total number of authorization decisions resolved by fallback policy",
		},
		[]string{"mode"},
	)

	// policyMutationsTotal counts runtime policy changes.
	policyMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_authz_policy_mutations_total",
			Help: "Total number of runtime policy additions and removals",
		},
		[]string{"kind"}, // "add_policy", "remove_policy", "add_role", "remove_role"
	)
)

func recordDecision(d Decision, source string) {
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	decisionsTotal.WithLabelValues(result, source).Inc()
}
