// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/middleware"
	"github.com/ziedak/neurotracker-auth/internal/refresh"
)

type fakeRefreshStats struct{ stats refresh.Stats }

func (f fakeRefreshStats) RefreshStats() refresh.Stats { return f.stats }

type fakeAuthzStats struct {
	size  int
	state string
}

func (f fakeAuthzStats) CacheSize() int       { return f.size }
func (f fakeAuthzStats) BreakerState() string { return f.state }

func testRouter(t *testing.T, svc *Service) http.Handler {
	t.Helper()
	return NewRouter(RouterConfig{
		Health:          svc,
		CORSOrigins:     []string{"*"},
		RateLimitReqs:   100,
		RateLimitWindow: time.Minute,
	})
}

func TestLiveness(t *testing.T) {
	router := testRouter(t, NewService(nil, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("expected request id header")
	}
}

func TestReadinessPassesWithHealthyChecks(t *testing.T) {
	svc := NewService(nil, nil, nil)
	svc.RegisterCheck("policy-store", func(context.Context) error { return nil })
	router := testRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessNamesFailure(t *testing.T) {
	svc := NewService(nil, nil, nil)
	svc.RegisterCheck("policy-store", func(context.Context) error { return nil })
	svc.RegisterCheck("session-store", func(context.Context) error { return errors.New("badger closed") })
	router := testRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Failures["session-store"] != "badger closed" {
		t.Fatalf("unexpected failures: %v", body.Failures)
	}
	if _, ok := body.Failures["policy-store"]; ok {
		t.Fatal("healthy check must not be reported")
	}
}

func TestStatsSnapshot(t *testing.T) {
	perf := middleware.NewPerformanceMonitor(10)
	perf.Record(middleware.RequestSample{Path: "/api/v1/auth/stats", Method: "GET", DurationMS: 3})

	svc := NewService(
		fakeRefreshStats{stats: refresh.Stats{ManagedSessions: 4, TotalRefreshes: 17, BreakerState: "closed"}},
		fakeAuthzStats{size: 12, state: "closed"},
		perf,
	)
	router := testRouter(t, svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Refresh == nil || resp.Refresh.ManagedSessions != 4 || resp.Refresh.TotalRefreshes != 17 {
		t.Fatalf("unexpected refresh stats: %+v", resp.Refresh)
	}
	if resp.Authz == nil || resp.Authz.CacheSize != 12 {
		t.Fatalf("unexpected authz stats: %+v", resp.Authz)
	}
	if len(resp.Endpoints) != 1 || resp.Endpoints[0].Endpoint != "GET /api/v1/auth/stats" {
		t.Fatalf("unexpected endpoint stats: %+v", resp.Endpoints)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	router := testRouter(t, NewService(nil, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected scrape output")
	}
}
