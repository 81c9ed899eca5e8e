// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package refresh implements the token refresh manager: a self-healing
// pipeline that keeps every registered session's access token fresh by
// scheduling proactive refreshes, de-duplicating concurrent attempts per
// session, retrying with backoff behind a circuit breaker, and emitting
// lifecycle events for session-owning code.
//
// Concurrency model: refreshes for different sessions may run in parallel
// (bounded by the monitor batch size); refreshes for the same session are
// strictly serialized through a single-flight call handle, so N concurrent
// triggers produce exactly one upstream call.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/metrics"
	"github.com/ziedak/neurotracker-auth/internal/retry"
	"github.com/ziedak/neurotracker-auth/internal/token"
)

var (
	// ErrRefreshTokenExpired is the terminal per-session condition: the
	// refresh token itself is dead, the session is removed, nothing is
	// retried.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrManagerClosed rejects operations after Close.
	ErrManagerClosed = errors.New("refresh manager closed")

	// ErrInvalidTokenResponse rejects an upstream response without a
	// usable expiry.
	ErrInvalidTokenResponse = errors.New("invalid token response")
)

// breakerName keys the upstream refresh circuit breaker.
const breakerName = "token-refresh"

// TokenResponse is the upstream identity provider's answer to a refresh
// call. The wire format of the token endpoint itself is the client
// implementation's concern.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
}

// TokenClient exchanges a refresh token for a new token pair at the
// identity provider.
type TokenClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Stats is a point-in-time snapshot for the ops surface.
type Stats struct {
	ManagedSessions      int    `json:"managed_sessions"`
	NeedingRefresh       int    `json:"needing_refresh"`
	ExpiredRefreshTokens int    `json:"expired_refresh_tokens"`
	TotalRefreshes       uint64 `json:"total_refreshes"`
	FailedRefreshes      uint64 `json:"failed_refreshes"`
	BreakerState         string `json:"breaker_state"`
}

// refreshCall is the single-flight handle for one in-progress refresh.
// Waiters block on done and then read token/err.
type refreshCall struct {
	done  chan struct{}
	token *token.ManagedToken
	err   error
}

// Manager orchestrates the managed token store, the retry executor and
// the upstream token client.
type Manager struct {
	cfg    Config
	client TokenClient
	store  *token.Store
	exec   *retry.Executor
	events *handlerRegistry

	mu       sync.Mutex
	inflight map[string]*refreshCall
	closed   bool

	total  atomic.Uint64
	failed atomic.Uint64

	stopChan chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

// NewManager validates cfg and builds a manager around the given upstream
// client.
func NewManager(cfg Config, client TokenClient) (*Manager, error) {
	return newManager(cfg, client, time.Now)
}

func newManager(cfg Config, client TokenClient, now func() time.Time) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: token client is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		client:   client,
		exec:     retry.NewExecutor(),
		events:   newHandlerRegistry(),
		inflight: make(map[string]*refreshCall),
		stopChan: make(chan struct{}),
		nowFn:    now,
	}
	m.store = token.NewStore(token.StoreConfig{
		RefreshBuffer: cfg.RefreshBuffer,
		OnScheduleDue: m.scheduledRefresh,
		OnRemove:      m.onSessionRemoved,
		InFlight:      m.isInFlight,
		Now:           now,
	})
	return m, nil
}

// AddManagedToken registers (or replaces) a session's token pair and
// schedules its next refresh.
func (m *Manager) AddManagedToken(t *token.ManagedToken) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrManagerClosed
	}
	return m.store.Add(t)
}

// GetManagedToken returns a copy of the session's token pair.
func (m *Manager) GetManagedToken(sessionID string) (*token.ManagedToken, bool) {
	return m.store.Get(sessionID)
}

// RemoveManagedToken unregisters a session. Any refresh already in flight
// completes and its result is discarded.
func (m *Manager) RemoveManagedToken(sessionID string) bool {
	return m.store.Remove(sessionID, token.ReasonUnregistered)
}

// RefreshManagedToken forces an immediate refresh. Concurrent calls for
// the same session share one upstream call and one result.
func (m *Manager) RefreshManagedToken(ctx context.Context, sessionID string) (*token.ManagedToken, error) {
	return m.performRefresh(ctx, sessionID)
}

// NeedsRefresh reports whether the session is inside its refresh window.
func (m *Manager) NeedsRefresh(sessionID string) bool {
	return m.store.NeedsRefresh(sessionID)
}

// IsRefreshTokenExpired reports whether the session's refresh token is dead.
func (m *Manager) IsRefreshTokenExpired(sessionID string) bool {
	return m.store.IsRefreshTokenExpired(sessionID)
}

// ManagedSessions returns all registered session ids.
func (m *Manager) ManagedSessions() []string {
	return m.store.Sessions()
}

// RefreshStats returns a snapshot for the ops surface.
func (m *Manager) RefreshStats() Stats {
	return Stats{
		ManagedSessions:      m.store.Len(),
		NeedingRefresh:       len(m.store.SessionsNeedingRefresh()),
		ExpiredRefreshTokens: m.store.CountExpiredRefreshTokens(),
		TotalRefreshes:       m.total.Load(),
		FailedRefreshes:      m.failed.Load(),
		BreakerState:         m.exec.BreakerState(breakerName),
	}
}

// OnRefreshEvent subscribes a handler and returns its subscription id.
func (m *Manager) OnRefreshEvent(h Handler) int {
	return m.events.add(h)
}

// RemoveRefreshEventHandler drops a subscription.
func (m *Manager) RemoveRefreshEventHandler(id int) {
	m.events.remove(id)
}

// Close cancels all per-session timers and the monitor, clears the store
// and drops all subscribers. Idempotent. In-flight refreshes complete;
// their results are discarded.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stopChan)
		m.store.Close()
		m.events.clear()
	})
}

// performRefresh is the single-flight core. The first caller for a
// session installs a call handle and runs the refresh; every concurrent
// caller for the same session awaits that handle's result. The handle is
// released on every exit path, including panics inside the operation.
func (m *Manager) performRefresh(ctx context.Context, sessionID string) (tok *token.ManagedToken, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if call, ok := m.inflight[sessionID]; ok {
		// Check-then-act is atomic under m.mu: a second refresh for this
		// session cannot start while the handle exists.
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[sessionID] = call
	m.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			call.token = nil
			call.err = fmt.Errorf("refresh for session %s panicked: %v", sessionID, rec)
			// The panic unwound past our return statement; the named
			// values carry the error to the direct caller as well.
			tok, err = nil, call.err
			logging.Error().Str("session_id", sessionID).Interface("panic", rec).Msg("token refresh panicked")
		}
		m.mu.Lock()
		delete(m.inflight, sessionID)
		m.mu.Unlock()
		close(call.done)
	}()

	call.token, call.err = m.doRefresh(ctx, sessionID)
	return call.token, call.err
}

// doRefresh runs one complete refresh operation: retries, terminal
// handling and event emission.
func (m *Manager) doRefresh(ctx context.Context, sessionID string) (*token.ManagedToken, error) {
	start := time.Now()
	m.total.Add(1)

	result, err := m.exec.Execute(ctx, m.retryOptions(), func(ctx context.Context) (interface{}, error) {
		return m.refreshOnce(ctx, sessionID)
	}, func(attemptErr error, attempt int) {
		left := m.cfg.MaxRetryAttempts - attempt
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		m.events.emit(Event{
			Type:         EventRefreshFailed,
			SessionID:    sessionID,
			Err:          attemptErr,
			AttemptsLeft: left,
		})
		logging.Warn().Err(attemptErr).
			Str("session_id", sessionID).
			Int("attempt", attempt).
			Int("attempts_left", left).
			Msg("token refresh attempt failed")
	})

	metrics.TokenRefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		m.failed.Add(1)
		switch {
		case errors.Is(err, ErrRefreshTokenExpired):
			// Either refreshOnce caught the local expiry (session already
			// removed, Remove is a no-op) or the upstream rejected the
			// refresh token outright.
			metrics.TokenRefreshesTotal.WithLabelValues("expired").Inc()
			m.store.Remove(sessionID, token.ReasonRefreshTokenExpired)
		case errors.Is(err, token.ErrSessionNotFound), errors.Is(err, token.ErrStoreClosed):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The caller gave up or a shutdown is in progress. The
			// session stays managed; the monitor picks it up on its
			// next sweep.
		default:
			// Exhaustion or open breaker: the session cannot self-heal.
			metrics.TokenRefreshesTotal.WithLabelValues("exhausted").Inc()
			m.store.Remove(sessionID, token.ReasonRetriesExhausted)
		}
		return nil, err
	}

	newTok := result.(*token.ManagedToken)
	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	m.events.emit(Event{Type: EventRefreshSuccess, SessionID: sessionID, Token: newTok})
	return newTok, nil
}

// refreshOnce is one upstream attempt, executed inside the retry loop.
func (m *Manager) refreshOnce(ctx context.Context, sessionID string) (interface{}, error) {
	cur, ok := m.store.Get(sessionID)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", token.ErrSessionNotFound, sessionID))
	}

	// Re-checked inside the attempt: the refresh token may have died
	// while earlier attempts were backing off.
	if cur.RefreshExpired(m.nowFn()) {
		m.store.Remove(sessionID, token.ReasonRefreshTokenExpired)
		m.events.emit(Event{
			Type:      EventRefreshExpired,
			SessionID: sessionID,
			Reason:    token.ReasonRefreshTokenExpired,
		})
		return nil, retry.Permanent(fmt.Errorf("%w: session %s", ErrRefreshTokenExpired, sessionID))
	}

	resp, err := m.client.RefreshToken(ctx, cur.RefreshToken)
	if err != nil {
		return nil, err
	}

	newTok, err := m.buildToken(cur, resp)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	// Add replaces the token and re-arms the session's refresh timer.
	if err := m.store.Add(newTok); err != nil {
		return nil, retry.Permanent(err)
	}
	return newTok, nil
}

// buildToken merges the upstream response over the current token pair.
// A response without a rotated refresh token keeps the current one.
func (m *Manager) buildToken(cur *token.ManagedToken, resp *TokenResponse) (*token.ManagedToken, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrInvalidTokenResponse)
	}
	if resp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidTokenResponse)
	}

	now := m.nowFn()
	newTok := &token.ManagedToken{
		SessionID:        cur.SessionID,
		AccessToken:      resp.AccessToken,
		RefreshToken:     cur.RefreshToken,
		ExpiresAt:        now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshExpiresAt: cur.RefreshExpiresAt,
		Scope:            cur.Scope,
		TokenType:        cur.TokenType,
		ClientType:       cur.ClientType,
	}
	if resp.RefreshToken != "" {
		newTok.RefreshToken = resp.RefreshToken
	}
	if resp.RefreshExpiresIn > 0 {
		newTok.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	}
	if resp.Scope != "" {
		newTok.Scope = resp.Scope
	}
	if resp.TokenType != "" {
		newTok.TokenType = resp.TokenType
	}
	if newTok.TokenType == "" {
		newTok.TokenType = "Bearer"
	}
	return newTok, nil
}

// retryOptions maps the manager config onto the executor.
func (m *Manager) retryOptions() retry.Options {
	return retry.Options{
		MaxRetries:              m.cfg.MaxRetryAttempts - 1,
		RetryDelay:              m.cfg.RetryBaseDelay,
		MaxDelay:                m.cfg.MaxRetryDelay,
		JitterEnabled:           m.cfg.JitterEnabled,
		EnableCircuitBreaker:    m.cfg.EnableCircuitBreaker,
		CircuitBreakerThreshold: m.cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   m.cfg.CircuitBreakerTimeout,
		OperationName:           breakerName,
	}
}

// scheduledRefresh handles a fired per-session timer. Failures are logged
// and reflected in events and metrics; they never escape the goroutine.
func (m *Manager) scheduledRefresh(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshBuffer)
	defer cancel()

	if _, err := m.performRefresh(ctx, sessionID); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("scheduled token refresh failed")
	}
}

// onSessionRemoved relays store removals to subscribers.
func (m *Manager) onSessionRemoved(sessionID, reason string) {
	m.events.emit(Event{Type: EventSessionRemoved, SessionID: sessionID, Reason: reason})
}

// isInFlight backs the store's NeedsRefresh in-flight exclusion.
func (m *Manager) isInFlight(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[sessionID]
	return ok
}
