// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package health exposes the operational surface: liveness and readiness
// probes, a stats snapshot of the auth core, and the Prometheus scrape
// endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/middleware"
	"github.com/ziedak/neurotracker-auth/internal/refresh"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 2 * time.Second

// CheckFunc probes one dependency. A nil error means ready.
type CheckFunc func(ctx context.Context) error

// RefreshStatser reports token refresh manager statistics.
type RefreshStatser interface {
	RefreshStats() refresh.Stats
}

// AuthzStatser reports decision engine statistics.
type AuthzStatser interface {
	CacheSize() int
	BreakerState() string
}

// Service aggregates health state and stats for the HTTP handlers.
type Service struct {
	started time.Time

	refresh RefreshStatser
	authz   AuthzStatser
	perf    *middleware.PerformanceMonitor

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewService creates the health surface. refresh, authz and perf may each
// be nil; their sections are omitted from stats.
func NewService(refreshStats RefreshStatser, authzStats AuthzStatser, perf *middleware.PerformanceMonitor) *Service {
	return &Service{
		started: time.Now(),
		refresh: refreshStats,
		authz:   authzStats,
		perf:    perf,
		checks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named readiness check. Re-registering a name
// replaces the previous check.
func (s *Service) RegisterCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// AuthzStats is the authorization section of the stats snapshot.
type AuthzStats struct {
	CacheSize    int    `json:"cache_size"`
	BreakerState string `json:"breaker_state"`
}

// StatsResponse is the /api/v1/auth/stats payload.
type StatsResponse struct {
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Refresh       *refresh.Stats             `json:"refresh,omitempty"`
	Authz         *AuthzStats                `json:"authz,omitempty"`
	Endpoints     []middleware.EndpointStats `json:"endpoints,omitempty"`
}

// HandleLive is the /healthz probe. It answers 200 whenever the process
// can serve HTTP at all.
func (s *Service) HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady is the /readyz probe. It runs every registered check and
// answers 503 naming the failures.
func (s *Service) HandleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	failures := make(map[string]string)
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		logging.Warn().Interface("failures", failures).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStats serves the stats snapshot.
func (s *Service) HandleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.refresh != nil {
		stats := s.refresh.RefreshStats()
		resp.Refresh = &stats
	}
	if s.authz != nil {
		resp.Authz = &AuthzStats{
			CacheSize:    s.authz.CacheSize(),
			BreakerState: s.authz.BreakerState(),
		}
	}
	if s.perf != nil {
		resp.Endpoints = s.perf.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as the response body. Encoding failures are logged;
// the status line has already been written at that point.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}
