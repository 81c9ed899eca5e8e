// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionCookieName carries the browser session id.
const SessionCookieName = "nt_session"

// SessionScheme authenticates requests carrying a session cookie.
type SessionScheme struct {
	sessions SessionStore
	users    UserDirectory
	nowFn    func() time.Time
}

// NewSessionScheme builds the session cookie scheme.
func NewSessionScheme(sessions SessionStore, users UserDirectory) *SessionScheme {
	return &SessionScheme{sessions: sessions, users: users, nowFn: time.Now}
}

// Name identifies the scheme in logs and metrics.
func (s *SessionScheme) Name() string { return "session" }

// Priority orders the scheme after API keys, before bearer JWTs.
func (s *SessionScheme) Priority() int { return 20 }

// Credential returns the session cookie value, if present.
func (s *SessionScheme) Credential(rc *RequestContext) (string, bool) {
	v, ok := rc.Cookie(SessionCookieName)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Resolve loads the session and its owning user.
func (s *SessionScheme) Resolve(ctx context.Context, credential string, _ *RequestContext) (*UserContext, error) {
	sess, err := s.sessions.GetSession(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrInvalidCredentials)
	}
	if sess.Revoked {
		return nil, fmt.Errorf("%w: session %s", ErrRevokedCredentials, sess.ID)
	}
	if sess.Expired(s.nowFn()) {
		return nil, fmt.Errorf("%w: session %s", ErrExpiredCredentials, sess.ID)
	}

	user, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("session owner lookup failed: %w", err)
	}
	if user.Disabled {
		return nil, fmt.Errorf("%w: user %s disabled", ErrRevokedCredentials, user.ID)
	}

	return &UserContext{
		ID:             user.ID,
		Username:       user.Username,
		Email:          user.Email,
		Roles:          user.Roles,
		Permissions:    user.Permissions,
		StoreID:        user.StoreID,
		OrganizationID: user.OrganizationID,
		SessionID:      sess.ID,
		AuthScheme:     s.Name(),
		Metadata:       sess.Metadata,
	}, nil
}

// MemorySessionStore is an in-process SessionStore for tests and
// single-node deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// GetSession returns a copy of the session, or nil when unknown.
func (m *MemorySessionStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// CreateSession stores a session.
func (m *MemorySessionStore) CreateSession(_ context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidCredentials)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

// RevokeSession marks a session revoked.
func (m *MemorySessionStore) RevokeSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrInvalidCredentials, id)
	}
	s.Revoked = true
	return nil
}
