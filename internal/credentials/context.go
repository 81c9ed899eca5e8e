// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package credentials resolves a caller's identity from request
// credentials. Schemes are tried in priority order: API key, session
// cookie, then JWT bearer. Each scheme consults a cache keyed by a hash
// of the credential before touching its backing store.
package credentials

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Standard credential errors.
var (
	// ErrNoCredentials indicates the request carries no credential for a
	// given scheme. The chain moves on to the next scheme.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrInvalidCredentials indicates a credential was presented but did
	// not verify. Fatal to the chain.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrExpiredCredentials indicates the credential verified but has
	// expired. Fatal to the chain.
	ErrExpiredCredentials = errors.New("credentials expired")

	// ErrRevokedCredentials indicates the credential was explicitly
	// revoked. Fatal to the chain.
	ErrRevokedCredentials = errors.New("credentials revoked")
)

// UserContext is the resolved identity for an authorization decision.
// Immutable once built; callers must not mutate the slices or map.
type UserContext struct {
	ID             string            `json:"id"`
	Username       string            `json:"username,omitempty"`
	Email          string            `json:"email,omitempty"`
	Roles          []string          `json:"roles,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	StoreID        string            `json:"store_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	APIKeyID       string            `json:"api_key_id,omitempty"`
	AuthScheme     string            `json:"auth_scheme,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// HasRole reports whether the user holds the given role.
func (u *UserContext) HasRole(role string) bool {
	if role == "" {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds any of the given roles.
func (u *UserContext) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the user carries the given permission
// string directly.
func (u *UserContext) HasPermission(perm string) bool {
	if perm == "" {
		return false
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Domain returns the tenant qualifier for policy evaluation: the store
// id when set, otherwise the organization id, otherwise empty.
func (u *UserContext) Domain() string {
	if u.StoreID != "" {
		return u.StoreID
	}
	return u.OrganizationID
}

// RequestContext carries the credential-bearing parts of an inbound
// request in a transport-neutral form, used uniformly by the HTTP and
// WebSocket paths.
type RequestContext struct {
	Headers    http.Header
	Cookies    map[string]string
	RemoteAddr string

	// Identity is populated after successful extraction.
	Identity *UserContext
}

// FromHTTP builds a RequestContext from an HTTP request.
func FromHTTP(r *http.Request) *RequestContext {
	rc := &RequestContext{
		Headers:    r.Header,
		Cookies:    make(map[string]string),
		RemoteAddr: r.RemoteAddr,
	}
	for _, c := range r.Cookies() {
		rc.Cookies[c.Name] = c.Value
	}
	return rc
}

// FromHeaders builds a RequestContext from bare headers, as presented
// during a WebSocket handshake.
func FromHeaders(h http.Header, remoteAddr string) *RequestContext {
	rc := &RequestContext{
		Headers:    h,
		Cookies:    make(map[string]string),
		RemoteAddr: remoteAddr,
	}
	// Cookie parsing without a full http.Request.
	dummy := http.Request{Header: h}
	for _, c := range dummy.Cookies() {
		rc.Cookies[c.Name] = c.Value
	}
	return rc
}

// BearerToken returns the Authorization bearer payload, if any.
func (rc *RequestContext) BearerToken() (string, bool) {
	auth := rc.Headers.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

// Cookie returns a cookie value by name.
func (rc *RequestContext) Cookie(name string) (string, bool) {
	v, ok := rc.Cookies[name]
	return v, ok
}

// UserDirectory loads user records for credential resolution. Backed by
// an external user store.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)
}

// UserRecord is the directory's view of a user.
type UserRecord struct {
	ID             string
	Username       string
	Email          string
	Roles          []string
	Permissions    []string
	StoreID        string
	OrganizationID string
	Disabled       bool
}

// Session is one authenticated browser session.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
	Metadata  map[string]string
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionStore persists sessions. Backed by an external store.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	RevokeSession(ctx context.Context, id string) error
}

// APIKey is one issued machine credential. The plaintext is never
// stored; Hash holds a bcrypt digest of its SHA-256.
type APIKey struct {
	ID        string
	UserID    string
	Name      string
	Prefix    string
	Hash      string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// APIKeyStore persists API keys, looked up by display prefix.
type APIKeyStore interface {
	GetKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	CreateKey(ctx context.Context, k *APIKey) error
	RevokeKey(ctx context.Context, id string) error
}
