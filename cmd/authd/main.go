// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package main is the entry point for the NeuroTracker auth daemon.
//
// The daemon fronts an upstream identity provider with managed token
// lifecycles and Casbin policy enforcement. It exposes an HTTP ops
// surface (health, readiness, metrics, auth stats) and a WebSocket
// bridge that pushes refreshed access tokens to bound sessions.
//
// # Application Architecture
//
// Components initialize in the following order:
//
//  1. Configuration: layered load from defaults, config file and NT_
//     environment variables (Koanf v2)
//  2. Logging: zerolog, JSON or console format
//  3. Caches: in-memory TTL maps or BadgerDB-backed stores for
//     credentials and sessions
//  4. Credential extraction: API key, session cookie and JWT schemes
//     behind a caching extractor
//  5. Authorization: Casbin enforcer with decision cache, circuit
//     breaker and configurable fallback
//  6. Refresh manager (optional): proactive token refresh against the
//     upstream, enabled when NT_REFRESH_UPSTREAM_URL is set
//  7. WebSocket bridge: real-time token_refreshed frames to clients
//  8. HTTP server: chi router under the supervisor's API layer
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): NT_-prefixed environment variables, a YAML config
// file (CONFIG_PATH or config.yaml), then built-in defaults.
//
// Common variables:
//
//	export NT_JWT_SECRET=$(openssl rand -base64 32)
//	export NT_REFRESH_UPSTREAM_URL=https://idp.internal/token
//	export NT_AUTHZ_FALLBACK=deny
//	export NT_HTTP_PORT=8087
//	./authd
//
// # Signal Handling
//
// The daemon shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, the bridge closes its clients and
// the refresh manager stops its sweep loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ziedak/neurotracker-auth/internal/authz"
	"github.com/ziedak/neurotracker-auth/internal/cache"
	"github.com/ziedak/neurotracker-auth/internal/config"
	"github.com/ziedak/neurotracker-auth/internal/credentials"
	"github.com/ziedak/neurotracker-auth/internal/health"
	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/middleware"
	"github.com/ziedak/neurotracker-auth/internal/refresh"
	"github.com/ziedak/neurotracker-auth/internal/supervisor"
	ws "github.com/ziedak/neurotracker-auth/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("environment", cfg.Environment()).
		Str("authz_fallback", cfg.Authz.Fallback).
		Bool("refresh_enabled", cfg.Refresh.UpstreamURL != "").
		Msg("Starting NeuroTracker auth daemon")

	// Credential cache: backs the extractor so hot identities skip
	// scheme resolution.
	var credCache cache.Cacher
	if cfg.Cache.Store == "badger" {
		credCache = cache.NewWithFallback("credentials", cfg.Cache.Dir, cfg.Cache.CredentialTTL)
	} else {
		credCache = cache.New("credentials", cfg.Cache.CredentialTTL)
	}
	defer credCache.Close()

	// Session store shares the cache abstraction. Badger survives
	// restarts, memory does not.
	var sessionCache cache.Cacher
	if cfg.Session.Store == "badger" {
		sessionCache = cache.NewWithFallback("sessions", cfg.Session.StorePath, cfg.Session.Timeout)
	} else {
		sessionCache = cache.New("sessions", cfg.Session.Timeout)
	}
	defer sessionCache.Close()

	sessions := credentials.NewCachedSessionStore(sessionCache)
	apiKeys := credentials.NewMemoryAPIKeyStore()
	users := credentials.NewMemoryDirectory()

	schemes := []credentials.Scheme{
		credentials.NewAPIKeyScheme(apiKeys, users),
		credentials.NewSessionScheme(sessions, users),
	}
	if cfg.JWT.Secret != "" {
		jwtSvc, err := credentials.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Timeout)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT service")
		}
		schemes = append(schemes, credentials.NewJWTScheme(jwtSvc))
		logging.Info().Str("issuer", cfg.JWT.Issuer).Msg("JWT authentication enabled")
	} else {
		logging.Warn().Msg("NT_JWT_SECRET not set, bearer token authentication disabled")
	}

	extractor := credentials.NewExtractor(credCache, cfg.Cache.CredentialTTL, schemes...)

	enforcer, err := authz.NewEnforcer(cfg.Authz.EnforcerConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize policy store")
	}
	defer enforcer.Close()

	authorizer, err := authz.NewAuthorizer(cfg.Authz.AuthorizerConfig(cfg.Audit), enforcer)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize authorizer")
	}
	defer authorizer.Close()
	logging.Info().
		Str("model", cfg.Authz.ModelPath).
		Str("fallback", cfg.Authz.Fallback).
		Msg("Authorization initialized")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	// Refresh manager is optional. Without an upstream the daemon
	// still authenticates and authorizes, it just never refreshes.
	var mgr *refresh.Manager
	if cfg.Refresh.UpstreamURL != "" {
		client := newHTTPTokenClient(cfg.Refresh.UpstreamURL, 0)
		mgr, err = refresh.NewManager(cfg.Refresh.ManagerConfig(), client)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize refresh manager")
		}
		defer mgr.Close()
		tree.AddCoreService(mgr)
		logging.Info().
			Str("upstream_url", cfg.Refresh.UpstreamURL).
			Dur("buffer", cfg.Refresh.Buffer).
			Msg("Refresh manager added to supervisor tree")
	} else {
		logging.Info().Msg("Refresh upstream not configured, token refresh disabled")
	}

	var bridge *ws.Bridge
	if mgr != nil {
		bridge = ws.NewBridge(mgr)
		tree.AddCoreService(bridge)
		logging.Info().Msg("WebSocket bridge added to supervisor tree")
	}

	perf := middleware.NewPerformanceMonitor(0)

	// Typed locals keep nil component pointers from turning into
	// non-nil interfaces.
	var refreshStats health.RefreshStatser
	if mgr != nil {
		refreshStats = mgr
	}
	healthSvc := health.NewService(refreshStats, authorizer, perf)
	healthSvc.RegisterCheck("policy-store", func(ctx context.Context) error {
		if authorizer.BreakerState() == "open" {
			return errors.New("policy store circuit breaker open")
		}
		return nil
	})
	healthSvc.RegisterCheck("session-store", func(ctx context.Context) error {
		_, err := sessions.GetSession(ctx, "readiness-probe")
		return err
	})

	var wsHandler http.Handler
	if bridge != nil {
		wsHandler = bridge
	}
	router := health.NewRouter(health.RouterConfig{
		Health:            healthSvc,
		Auth:              authz.NewMiddleware(extractor, authorizer),
		WebSocket:         wsHandler,
		Perf:              perf,
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitReqs:     cfg.Server.RateLimitReqs,
		RateLimitWindow:   cfg.Server.RateLimitWindow,
		RateLimitDisabled: cfg.Server.RateLimitDisabled,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	// Wait for supervisor to finish (either from signal or error)
	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Auth daemon stopped gracefully")
}
