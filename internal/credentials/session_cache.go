// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/cache"
)

// sessionKeyPrefix namespaces session entries in the shared cache.
const sessionKeyPrefix = "sess:"

// CachedSessionStore persists sessions through a cache.Cacher. Backed by
// the Badger cache it survives restarts; backed by the memory cache it
// behaves like MemorySessionStore with TTL eviction. Each session's TTL
// follows its ExpiresAt, so the store never serves a session the cache
// has already evicted as expired.
type CachedSessionStore struct {
	cache cache.Cacher
	nowFn func() time.Time
}

// NewCachedSessionStore wraps a cache as a SessionStore.
func NewCachedSessionStore(c cache.Cacher) *CachedSessionStore {
	return &CachedSessionStore{cache: c, nowFn: time.Now}
}

// GetSession returns the session, or nil when unknown or evicted.
func (s *CachedSessionStore) GetSession(_ context.Context, id string) (*Session, error) {
	v, ok := s.cache.Get(sessionKeyPrefix + id)
	if !ok {
		return nil, nil
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: malformed session entry", ErrInvalidCredentials)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

// CreateSession stores the session with a TTL matching its expiry.
func (s *CachedSessionStore) CreateSession(_ context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidCredentials)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if sess.ExpiresAt.IsZero() || ttl <= 0 {
		s.cache.Set(sessionKeyPrefix+sess.ID, raw)
		return nil
	}
	s.cache.SetWithTTL(sessionKeyPrefix+sess.ID, raw, ttl)
	return nil
}

// RevokeSession marks the session revoked in place. Revoking an unknown
// session is a no-op.
func (s *CachedSessionStore) RevokeSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	sess.Revoked = true
	return s.CreateSession(ctx, sess)
}
