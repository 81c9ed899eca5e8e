// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package token holds the managed credential model and the authoritative
// in-memory registry of session token pairs. The registry owns its tokens
// exclusively: callers receive copies, never aliases, and all mutation is
// serialized behind the store mutex.
package token

import (
	"errors"
	"time"
)

// ClientType identifies the kind of client a session belongs to.
type ClientType string

const (
	// ClientFrontend is a browser session.
	ClientFrontend ClientType = "frontend"

	// ClientService is a machine-to-machine client.
	ClientService ClientType = "service"

	// ClientTracker is a tracking device session.
	ClientTracker ClientType = "tracker"

	// ClientWebSocket is a long-lived websocket connection.
	ClientWebSocket ClientType = "websocket"
)

// Removal reasons recorded on session eviction.
const (
	ReasonUnregistered        = "unregistered"
	ReasonRefreshTokenExpired = "refresh_token_expired"
	ReasonRetriesExhausted    = "max_refresh_attempts_reached"
	ReasonDisposed            = "manager_disposed"
)

var (
	// ErrMissingRefreshToken rejects managing a token pair without a
	// refresh token; such a pair can never be refreshed.
	ErrMissingRefreshToken = errors.New("token has no refresh token")

	// ErrTokenExpired rejects managing a token that is already expired.
	ErrTokenExpired = errors.New("token is already expired")

	// ErrMissingSessionID rejects a token without a session key.
	ErrMissingSessionID = errors.New("token has no session id")

	// ErrSessionNotFound indicates no managed token exists for the session.
	ErrSessionNotFound = errors.New("session not managed")

	// ErrStoreClosed indicates the store has been disposed.
	ErrStoreClosed = errors.New("token store closed")
)

// ManagedToken is one session's credential pair. ExpiresAt is absolute;
// a zero RefreshExpiresAt means the refresh token has no known expiry.
type ManagedToken struct {
	SessionID        string     `json:"session_id"`
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshExpiresAt time.Time  `json:"refresh_expires_at,omitempty"`
	Scope            string     `json:"scope,omitempty"`
	TokenType        string     `json:"token_type"`
	ClientType       ClientType `json:"client_type"`
}

// Validate checks the invariants required to manage the token.
func (t *ManagedToken) Validate(now time.Time) error {
	if t.SessionID == "" {
		return ErrMissingSessionID
	}
	if t.RefreshToken == "" {
		return ErrMissingRefreshToken
	}
	if !t.ExpiresAt.After(now) {
		return ErrTokenExpired
	}
	return nil
}

// RefreshExpired reports whether the refresh token has a known expiry in
// the past. A token in this state is dead and must be evicted, not
// refreshed.
func (t *ManagedToken) RefreshExpired(now time.Time) bool {
	return !t.RefreshExpiresAt.IsZero() && now.After(t.RefreshExpiresAt)
}

// clone returns an independent copy.
func (t *ManagedToken) clone() *ManagedToken {
	cp := *t
	return &cp
}
