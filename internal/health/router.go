// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziedak/neurotracker-auth/internal/authz"
	"github.com/ziedak/neurotracker-auth/internal/middleware"
)

// healthRateLimit is permissive so monitoring can poll freely.
const (
	healthRateLimit  = 1000
	healthRateWindow = time.Minute
)

// RouterConfig assembles the ops router.
type RouterConfig struct {
	// Health provides the probe and stats handlers.
	Health *Service

	// Auth guards the stats and websocket endpoints when set. Without it
	// those endpoints are open.
	Auth *authz.Middleware

	// WebSocket handles session-bound connections at /api/v1/auth/ws.
	// Omitted from the route table when nil.
	WebSocket http.Handler

	// Perf records per-endpoint latency for the stats snapshot.
	Perf *middleware.PerformanceMonitor

	CORSOrigins       []string
	RateLimitReqs     int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// NewRouter builds the chi route table for the ops surface.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(healthRateLimit, healthRateWindow))
		r.Get("/healthz", cfg.Health.HandleLive)
		r.Get("/readyz", cfg.Health.HandleReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/auth", func(r chi.Router) {
		if !cfg.RateLimitDisabled && cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Use(middleware.PrometheusMetrics)
		if cfg.Perf != nil {
			r.Use(cfg.Perf.Middleware)
		}
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Authenticate)
		}

		if cfg.Auth != nil {
			r.With(cfg.Auth.Authorize("stats", "read")).Get("/stats", cfg.Health.HandleStats)
		} else {
			r.Get("/stats", cfg.Health.HandleStats)
		}

		if cfg.WebSocket != nil {
			r.Handle("/ws", cfg.WebSocket)
		}
	})

	return r
}
