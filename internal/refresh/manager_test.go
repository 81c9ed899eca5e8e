// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/retry"
	"github.com/ziedak/neurotracker-auth/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeClient struct {
	calls atomic.Int64
	delay time.Duration
	err   error
	resp  *TokenResponse
}

func (f *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &TokenResponse{
		AccessToken:  fmt.Sprintf("access-%d", f.calls.Load()),
		RefreshToken: fmt.Sprintf("refresh-%d", f.calls.Load()),
		ExpiresIn:    3600,
	}, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshBuffer = 300 * time.Second
	cfg.MaxRetryAttempts = 2
	cfg.RetryBaseDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = 200 * time.Millisecond
	cfg.JitterEnabled = false
	cfg.EnableCircuitBreaker = false
	return cfg
}

func testManager(t *testing.T, client TokenClient, clk *fakeClock) *Manager {
	t.Helper()
	m, err := newManager(testConfig(), client, clk.Now)
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func testToken(clk *fakeClock, sessionID string) *token.ManagedToken {
	return &token.ManagedToken{
		SessionID:    sessionID,
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    clk.Now().Add(3600 * time.Second),
		ClientType:   token.ClientFrontend,
	}
}

func TestRefreshInsideWindow(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{}
	m := testManager(t, client, clk)

	rec := &eventRecorder{}
	m.OnRefreshEvent(rec.record)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}
	if m.NeedsRefresh("s1") {
		t.Fatal("fresh token should not need refresh")
	}

	// 3301s into a 3600s lifetime with a 300s buffer puts the session
	// inside the refresh window.
	clk.Advance(3301 * time.Second)
	if !m.NeedsRefresh("s1") {
		t.Fatal("session should be inside the refresh window")
	}

	got, err := m.RefreshManagedToken(context.Background(), "s1")
	if err != nil {
		t.Fatalf("RefreshManagedToken: %v", err)
	}
	if n := client.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	if got.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want access-1", got.AccessToken)
	}
	if got.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want rotated refresh-1", got.RefreshToken)
	}
	wantExpiry := clk.Now().Add(3600 * time.Second)
	if !got.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, wantExpiry)
	}
	if m.NeedsRefresh("s1") {
		t.Error("refreshed session should be outside the window")
	}
	if !m.store.HasSchedule("s1") {
		t.Error("refreshed session should be rescheduled")
	}
	if n := len(rec.byType(EventRefreshSuccess)); n != 1 {
		t.Errorf("success events = %d, want 1", n)
	}
}

func TestConcurrentRefreshesShareOneUpstreamCall(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{delay: 50 * time.Millisecond}
	m := testManager(t, client, clk)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	const callers = 10
	results := make([]*token.ManagedToken, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.RefreshManagedToken(context.Background(), "s1")
		}(i)
	}
	wg.Wait()

	if n := client.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].AccessToken != results[0].AccessToken {
			t.Errorf("caller %d got token %q, want shared %q", i, results[i].AccessToken, results[0].AccessToken)
		}
	}
}

func TestExpiredRefreshTokenRemovesSession(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{}
	m := testManager(t, client, clk)

	rec := &eventRecorder{}
	m.OnRefreshEvent(rec.record)

	tok := testToken(clk, "s1")
	tok.RefreshExpiresAt = clk.Now().Add(10 * time.Second)
	if err := m.AddManagedToken(tok); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	clk.Advance(11 * time.Second)

	_, err := m.RefreshManagedToken(context.Background(), "s1")
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("err = %v, want ErrRefreshTokenExpired", err)
	}
	if n := client.calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if _, ok := m.GetManagedToken("s1"); ok {
		t.Error("session should be removed")
	}
	if n := len(rec.byType(EventRefreshExpired)); n != 1 {
		t.Errorf("expired events = %d, want 1", n)
	}
	removed := rec.byType(EventSessionRemoved)
	if len(removed) != 1 || removed[0].Reason != token.ReasonRefreshTokenExpired {
		t.Errorf("removed events = %+v, want one with reason %q", removed, token.ReasonRefreshTokenExpired)
	}
}

func TestRetriesExhaustedRemovesSession(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{err: errors.New("upstream unavailable")}
	m := testManager(t, client, clk)

	rec := &eventRecorder{}
	m.OnRefreshEvent(rec.record)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	_, err := m.RefreshManagedToken(context.Background(), "s1")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if n := client.calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2", n)
	}
	if _, ok := m.GetManagedToken("s1"); ok {
		t.Error("session should be removed after exhaustion")
	}

	failed := rec.byType(EventRefreshFailed)
	if len(failed) != 2 {
		t.Fatalf("failure events = %d, want 2", len(failed))
	}
	if failed[0].AttemptsLeft != 1 || failed[1].AttemptsLeft != 0 {
		t.Errorf("attempts left = [%d %d], want [1 0]", failed[0].AttemptsLeft, failed[1].AttemptsLeft)
	}
	removed := rec.byType(EventSessionRemoved)
	if len(removed) != 1 || removed[0].Reason != token.ReasonRetriesExhausted {
		t.Errorf("removed events = %+v, want one with reason %q", removed, token.ReasonRetriesExhausted)
	}

	stats := m.RefreshStats()
	if stats.FailedRefreshes != 1 {
		t.Errorf("FailedRefreshes = %d, want 1", stats.FailedRefreshes)
	}
}

func TestBuildTokenMerging(t *testing.T) {
	clk := newFakeClock()
	m := testManager(t, &fakeClient{}, clk)

	cur := testToken(clk, "s1")
	cur.Scope = "read"
	cur.TokenType = "Bearer"
	cur.RefreshExpiresAt = clk.Now().Add(24 * time.Hour)

	tests := []struct {
		name        string
		resp        *TokenResponse
		wantErr     bool
		wantRefresh string
		wantScope   string
	}{
		{
			name:        "rotated refresh token",
			resp:        &TokenResponse{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 60},
			wantRefresh: "r1",
			wantScope:   "read",
		},
		{
			name:        "refresh token retained when omitted",
			resp:        &TokenResponse{AccessToken: "a1", ExpiresIn: 60, Scope: "write"},
			wantRefresh: "refresh-0",
			wantScope:   "write",
		},
		{
			name:    "missing access token",
			resp:    &TokenResponse{ExpiresIn: 60},
			wantErr: true,
		},
		{
			name:    "missing expiry",
			resp:    &TokenResponse{AccessToken: "a1"},
			wantErr: true,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.buildToken(cur, tt.resp)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTokenResponse) {
					t.Fatalf("err = %v, want ErrInvalidTokenResponse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildToken: %v", err)
			}
			if got.RefreshToken != tt.wantRefresh {
				t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, tt.wantRefresh)
			}
			if got.Scope != tt.wantScope {
				t.Errorf("Scope = %q, want %q", got.Scope, tt.wantScope)
			}
			if !got.RefreshExpiresAt.Equal(cur.RefreshExpiresAt) {
				t.Errorf("RefreshExpiresAt = %v, want retained %v", got.RefreshExpiresAt, cur.RefreshExpiresAt)
			}
		})
	}
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{}
	m := testManager(t, client, clk)

	m.OnRefreshEvent(func(Event) { panic("handler bug") })
	rec := &eventRecorder{}
	m.OnRefreshEvent(rec.record)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}
	if _, err := m.RefreshManagedToken(context.Background(), "s1"); err != nil {
		t.Fatalf("RefreshManagedToken: %v", err)
	}
	if n := len(rec.byType(EventRefreshSuccess)); n != 1 {
		t.Errorf("later handler saw %d success events, want 1", n)
	}
}

func TestRefreshUnknownSession(t *testing.T) {
	clk := newFakeClock()
	m := testManager(t, &fakeClient{}, clk)

	_, err := m.RefreshManagedToken(context.Background(), "missing")
	if !errors.Is(err, token.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepRefreshesAllDueSessions(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{}
	m := testManager(t, client, clk)

	for i := 0; i < 3; i++ {
		if err := m.AddManagedToken(testToken(clk, fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("AddManagedToken: %v", err)
		}
	}
	clk.Advance(3301 * time.Second)

	m.sweep(context.Background())

	if n := client.calls.Load(); n != 3 {
		t.Fatalf("upstream calls = %d, want 3", n)
	}
	if n := len(m.store.SessionsNeedingRefresh()); n != 0 {
		t.Errorf("sessions still due = %d, want 0", n)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	clk := newFakeClock()
	m := testManager(t, &fakeClient{}, clk)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	m.Close()
	m.Close()

	if err := m.AddManagedToken(testToken(clk, "s2")); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Add after close: err = %v, want ErrManagerClosed", err)
	}
	if _, err := m.RefreshManagedToken(context.Background(), "s1"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Refresh after close: err = %v, want ErrManagerClosed", err)
	}
	if n := m.store.Len(); n != 0 {
		t.Errorf("store len after close = %d, want 0", n)
	}
}

func TestCanceledRefreshKeepsSession(t *testing.T) {
	clk := newFakeClock()
	client := &fakeClient{}
	m := testManager(t, client, clk)

	rec := &eventRecorder{}
	m.OnRefreshEvent(rec.record)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.RefreshManagedToken(ctx, "s1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := client.calls.Load(); n != 0 {
		t.Fatalf("upstream calls = %d, want 0", n)
	}
	if _, ok := m.GetManagedToken("s1"); !ok {
		t.Fatal("canceled refresh must not evict the session")
	}
	if n := len(rec.byType(EventSessionRemoved)); n != 0 {
		t.Fatalf("removed events = %d, want 0", n)
	}

	// The session is still serviceable once a live context shows up.
	if _, err := m.RefreshManagedToken(context.Background(), "s1"); err != nil {
		t.Fatalf("follow-up refresh: %v", err)
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("upstream calls after retry = %d, want 1", n)
	}
}

type panickingClient struct {
	calls atomic.Int64
}

func (p *panickingClient) RefreshToken(context.Context, string) (*TokenResponse, error) {
	p.calls.Add(1)
	panic("token decode blew up")
}

func TestPanickingRefreshSurfacesErrorToCaller(t *testing.T) {
	clk := newFakeClock()
	m := testManager(t, &panickingClient{}, clk)

	if err := m.AddManagedToken(testToken(clk, "s1")); err != nil {
		t.Fatalf("AddManagedToken: %v", err)
	}

	got, err := m.RefreshManagedToken(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected an error from a panicking refresh")
	}
	if got != nil {
		t.Fatalf("token = %+v, want nil", got)
	}
	if m.isInFlight("s1") {
		t.Fatal("refresh handle must be released after a panic")
	}
}
