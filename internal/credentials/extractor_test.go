// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/cache"
)

type fakeDirectory struct {
	users   map[string]*UserRecord
	lookups atomic.Int64
}

func (f *fakeDirectory) GetUserByID(_ context.Context, id string) (*UserRecord, error) {
	f.lookups.Add(1)
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeDirectory) GetUserByEmail(_ context.Context, email string) (*UserRecord, error) {
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", email)
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{users: map[string]*UserRecord{
		"u1": {
			ID:       "u1",
			Username: "alice",
			Email:    "alice@example.com",
			Roles:    []string{"analyst"},
			StoreID:  "store-7",
		},
	}}
}

func testExtractor(t *testing.T, schemes ...Scheme) *Extractor {
	t.Helper()
	c := cache.New("credentials-test", 5*time.Minute)
	t.Cleanup(func() { c.Close() })
	return NewExtractor(c, 5*time.Minute, schemes...)
}

func requestWithHeader(key, value string) *RequestContext {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	r.Header.Set(key, value)
	return FromHTTP(r)
}

func TestExtractAPIKey(t *testing.T) {
	dir := testDirectory()
	keys := NewMemoryAPIKeyStore()
	_, plaintext, err := IssueAPIKey(context.Background(), keys, "u1", "ci", []string{"orders:read"}, 0)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	e := testExtractor(t, NewAPIKeyScheme(keys, dir))

	user, err := e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+plaintext))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if user == nil || user.ID != "u1" {
		t.Fatalf("user = %+v, want u1", user)
	}
	if user.APIKeyID == "" {
		t.Error("APIKeyID should be set")
	}
	if user.AuthScheme != "api_key" {
		t.Errorf("AuthScheme = %q, want api_key", user.AuthScheme)
	}
	if !user.HasPermission("orders:read") {
		t.Error("key scopes should merge into permissions")
	}
}

func TestExtractAPIKeyRevoked(t *testing.T) {
	dir := testDirectory()
	keys := NewMemoryAPIKeyStore()
	key, plaintext, err := IssueAPIKey(context.Background(), keys, "u1", "ci", nil, 0)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if err := keys.RevokeKey(context.Background(), key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	e := testExtractor(t, NewAPIKeyScheme(keys, dir))
	_, err = e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+plaintext))
	if !errors.Is(err, ErrRevokedCredentials) {
		t.Fatalf("err = %v, want ErrRevokedCredentials", err)
	}
}

func TestExtractAPIKeyExpired(t *testing.T) {
	dir := testDirectory()
	keys := NewMemoryAPIKeyStore()
	_, plaintext, err := IssueAPIKey(context.Background(), keys, "u1", "ci", nil, time.Second)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	scheme := NewAPIKeyScheme(keys, dir)
	scheme.nowFn = func() time.Time { return time.Now().Add(2 * time.Second) }

	e := testExtractor(t, scheme)
	_, err = e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+plaintext))
	if !errors.Is(err, ErrExpiredCredentials) {
		t.Fatalf("err = %v, want ErrExpiredCredentials", err)
	}
}

func TestExtractUnknownAPIKey(t *testing.T) {
	e := testExtractor(t, NewAPIKeyScheme(NewMemoryAPIKeyStore(), testDirectory()))
	_, err := e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer ntk_bogus_key"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestExtractSessionCookie(t *testing.T) {
	dir := testDirectory()
	sessions := NewMemorySessionStore()
	sess := &Session{
		ID:        "sess-1",
		UserID:    "u1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := sessions.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	e := testExtractor(t, NewSessionScheme(sessions, dir))

	user, err := e.Extract(context.Background(), requestWithHeader("Cookie", SessionCookieName+"=sess-1"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if user == nil || user.SessionID != "sess-1" {
		t.Fatalf("user = %+v, want SessionID sess-1", user)
	}
	if user.AuthScheme != "session" {
		t.Errorf("AuthScheme = %q, want session", user.AuthScheme)
	}
}

func TestExtractRevokedSession(t *testing.T) {
	dir := testDirectory()
	sessions := NewMemorySessionStore()
	if err := sessions.CreateSession(context.Background(), &Session{
		ID: "sess-1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sessions.RevokeSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	e := testExtractor(t, NewSessionScheme(sessions, dir))
	_, err := e.Extract(context.Background(), requestWithHeader("Cookie", SessionCookieName+"=sess-1"))
	if !errors.Is(err, ErrRevokedCredentials) {
		t.Fatalf("err = %v, want ErrRevokedCredentials", err)
	}
}

func TestExtractJWT(t *testing.T) {
	svc, err := NewJWTService("0123456789abcdef0123456789abcdef", "neurotracker", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}
	tok, err := svc.GenerateToken(&UserContext{
		ID: "u1", Username: "alice", Roles: []string{"analyst"}, StoreID: "store-7",
	})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	e := testExtractor(t, NewJWTScheme(svc))
	user, err := e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+tok))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if user == nil || user.ID != "u1" || user.StoreID != "store-7" {
		t.Fatalf("user = %+v, want u1/store-7", user)
	}
	if !user.HasRole("analyst") {
		t.Error("roles should carry over from claims")
	}
}

func TestExtractExpiredJWT(t *testing.T) {
	svc, err := NewJWTService("0123456789abcdef0123456789abcdef", "neurotracker", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}
	tok, err := svc.GenerateToken(&UserContext{ID: "u1"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	svc.nowFn = func() time.Time { return time.Now().Add(2 * time.Hour) }

	e := testExtractor(t, NewJWTScheme(svc))
	_, err = e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+tok))
	if !errors.Is(err, ErrExpiredCredentials) {
		t.Fatalf("err = %v, want ErrExpiredCredentials", err)
	}
}

func TestExtractTamperedJWT(t *testing.T) {
	svc, err := NewJWTService("0123456789abcdef0123456789abcdef", "neurotracker", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTService: %v", err)
	}
	tok, err := svc.GenerateToken(&UserContext{ID: "u1"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	e := testExtractor(t, NewJWTScheme(svc))
	_, err = e.Extract(context.Background(), requestWithHeader("Authorization", "Bearer "+tok+"x"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestExtractNoCredentials(t *testing.T) {
	svc, _ := NewJWTService("0123456789abcdef0123456789abcdef", "neurotracker", time.Hour)
	e := testExtractor(t,
		NewAPIKeyScheme(NewMemoryAPIKeyStore(), testDirectory()),
		NewSessionScheme(NewMemorySessionStore(), testDirectory()),
		NewJWTScheme(svc),
	)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	user, err := e.Extract(context.Background(), FromHTTP(r))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if user != nil {
		t.Fatalf("user = %+v, want nil for anonymous request", user)
	}
}

func TestSchemePriorityAPIKeyBeforeSession(t *testing.T) {
	dir := testDirectory()
	keys := NewMemoryAPIKeyStore()
	_, plaintext, err := IssueAPIKey(context.Background(), keys, "u1", "ci", nil, 0)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	sessions := NewMemorySessionStore()
	if err := sessions.CreateSession(context.Background(), &Session{
		ID: "sess-1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Registration order is reversed; priority must still put the API
	// key first.
	e := testExtractor(t, NewSessionScheme(sessions, dir), NewAPIKeyScheme(keys, dir))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	r.Header.Set("Authorization", "Bearer "+plaintext)
	r.Header.Set("Cookie", SessionCookieName+"=sess-1")

	user, err := e.Extract(context.Background(), FromHTTP(r))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if user.AuthScheme != "api_key" {
		t.Errorf("AuthScheme = %q, want api_key to win", user.AuthScheme)
	}
}

func TestExtractCachesResolution(t *testing.T) {
	dir := testDirectory()
	sessions := NewMemorySessionStore()
	if err := sessions.CreateSession(context.Background(), &Session{
		ID: "sess-1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	e := testExtractor(t, NewSessionScheme(sessions, dir))

	for i := 0; i < 3; i++ {
		if _, err := e.Extract(context.Background(), requestWithHeader("Cookie", SessionCookieName+"=sess-1")); err != nil {
			t.Fatalf("Extract %d: %v", i, err)
		}
	}
	if n := dir.lookups.Load(); n != 1 {
		t.Fatalf("directory lookups = %d, want 1 (cached after first)", n)
	}

	e.Invalidate("sess-1")
	if _, err := e.Extract(context.Background(), requestWithHeader("Cookie", SessionCookieName+"=sess-1")); err != nil {
		t.Fatalf("Extract after invalidate: %v", err)
	}
	if n := dir.lookups.Load(); n != 2 {
		t.Fatalf("directory lookups = %d, want 2 after invalidation", n)
	}
}

func TestFromHeadersParsesCookies(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", SessionCookieName+"=sess-9; other=x")
	rc := FromHeaders(h, "10.0.0.1:1234")

	v, ok := rc.Cookie(SessionCookieName)
	if !ok || v != "sess-9" {
		t.Fatalf("cookie = %q/%v, want sess-9", v, ok)
	}
}
