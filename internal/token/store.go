// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package token

import (
	"sync"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// StoreConfig wires the store's collaborators.
type StoreConfig struct {
	// RefreshBuffer is how long before access-token expiry a refresh
	// becomes due.
	RefreshBuffer time.Duration

	// OnScheduleDue fires (in its own goroutine) when a session's
	// scheduled refresh timer elapses. Set by the refresh manager.
	OnScheduleDue func(sessionID string)

	// OnRemove fires after a session is removed, with the removal reason.
	OnRemove func(sessionID, reason string)

	// InFlight reports whether a refresh is currently running for the
	// session. Consulted by NeedsRefresh. Optional.
	InFlight func(sessionID string) bool

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Store is the authoritative registry of session -> managed token, plus
// the per-session refresh schedule. At most one timer exists per session;
// re-adding a token cancels the prior timer before arming a new one.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]*ManagedToken
	timers map[string]*time.Timer

	refreshBuffer time.Duration
	onScheduleDue func(sessionID string)
	onRemove      func(sessionID, reason string)
	inFlight      func(sessionID string) bool
	nowFn         func() time.Time

	closed bool
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		tokens:        make(map[string]*ManagedToken),
		timers:        make(map[string]*time.Timer),
		refreshBuffer: cfg.RefreshBuffer,
		onScheduleDue: cfg.OnScheduleDue,
		onRemove:      cfg.OnRemove,
		inFlight:      cfg.InFlight,
		nowFn:         cfg.Now,
	}
}

// Add inserts or replaces the session's token and (re)schedules its next
// refresh. The stored token is a private copy; the caller's value is not
// aliased.
func (s *Store) Add(t *ManagedToken) error {
	now := s.nowFn()
	if err := t.Validate(now); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, existed := s.tokens[t.SessionID]
	s.tokens[t.SessionID] = t.clone()
	s.armTimerLocked(t.SessionID, t.ExpiresAt, now)

	if !existed {
		metrics.ManagedTokens.Set(float64(len(s.tokens)))
	}
	return nil
}

// Get returns a copy of the session's token.
func (s *Store) Get(sessionID string) (*ManagedToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[sessionID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Remove cancels the session's schedule, deletes the token and invokes the
// removal hook with the reason. Returns false when the session was not
// managed.
func (s *Store) Remove(sessionID, reason string) bool {
	s.mu.Lock()
	_, ok := s.tokens[sessionID]
	if ok {
		s.cancelTimerLocked(sessionID)
		delete(s.tokens, sessionID)
		metrics.ManagedTokens.Set(float64(len(s.tokens)))
	}
	onRemove := s.onRemove
	s.mu.Unlock()

	if ok {
		metrics.SessionsRemovedTotal.WithLabelValues(reason).Inc()
		if onRemove != nil {
			onRemove(sessionID, reason)
		}
	}
	return ok
}

// NeedsRefresh reports whether the session's token is inside the refresh
// buffer window and no refresh is already in flight.
func (s *Store) NeedsRefresh(sessionID string) bool {
	s.mu.RLock()
	t, ok := s.tokens[sessionID]
	inFlight := s.inFlight
	now := s.nowFn()
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if now.Before(t.ExpiresAt.Add(-s.refreshBuffer)) {
		return false
	}
	if inFlight != nil && inFlight(sessionID) {
		return false
	}
	return true
}

// IsRefreshTokenExpired reports whether the session's refresh token has a
// known expiry in the past.
func (s *Store) IsRefreshTokenExpired(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[sessionID]
	if !ok {
		return false
	}
	return t.RefreshExpired(s.nowFn())
}

// Sessions returns all managed session ids.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		out = append(out, id)
	}
	return out
}

// SessionsNeedingRefresh returns the sessions currently inside their
// refresh window, excluding those with a refresh already in flight.
func (s *Store) SessionsNeedingRefresh() []string {
	var due []string
	for _, id := range s.Sessions() {
		if s.NeedsRefresh(id) {
			due = append(due, id)
		}
	}
	return due
}

// CountExpiredRefreshTokens returns how many managed sessions hold a dead
// refresh token.
func (s *Store) CountExpiredRefreshTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.nowFn()
	n := 0
	for _, t := range s.tokens {
		if t.RefreshExpired(now) {
			n++
		}
	}
	return n
}

// Len returns the number of managed sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// HasSchedule reports whether a refresh timer is armed for the session.
func (s *Store) HasSchedule(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.timers[sessionID]
	return ok
}

// Close cancels every timer and clears the registry. Idempotent; Add
// fails after Close.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.timers {
		s.cancelTimerLocked(id)
	}
	s.tokens = make(map[string]*ManagedToken)
	metrics.ManagedTokens.Set(0)
}

// armTimerLocked replaces the session's timer with one firing when the
// token enters its refresh window. Callers hold s.mu.
func (s *Store) armTimerLocked(sessionID string, expiresAt time.Time, now time.Time) {
	s.cancelTimerLocked(sessionID)
	if s.onScheduleDue == nil {
		return
	}

	delay := expiresAt.Add(-s.refreshBuffer).Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.timers[sessionID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		due := s.onScheduleDue
		s.mu.Unlock()
		due(sessionID)
	})
}

// cancelTimerLocked stops and forgets the session's timer, if any.
func (s *Store) cancelTimerLocked(sessionID string) {
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}
