// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims carried by first-party access tokens.
type Claims struct {
	UserID         string   `json:"uid"`
	Username       string   `json:"username,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	StoreID        string   `json:"store_id,omitempty"`
	OrganizationID string   `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies first-party access tokens with
// HMAC-SHA256.
type JWTService struct {
	secret  []byte
	issuer  string
	timeout time.Duration
	nowFn   func() time.Time
}

// NewJWTService builds a token service. The secret must be at least 32
// bytes.
func NewJWTService(secret, issuer string, timeout time.Duration) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &JWTService{
		secret:  []byte(secret),
		issuer:  issuer,
		timeout: timeout,
		nowFn:   time.Now,
	}, nil
}

// GenerateToken signs an access token for the given identity.
func (s *JWTService) GenerateToken(user *UserContext) (string, error) {
	now := s.nowFn()
	claims := &Claims{
		UserID:         user.ID,
		Username:       user.Username,
		Email:          user.Email,
		Roles:          user.Roles,
		StoreID:        user.StoreID,
		OrganizationID: user.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm and time claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.nowFn() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredCredentials, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidCredentials)
	}
	return claims, nil
}

// JWTScheme authenticates bearer JWTs. It is the chain's fallback after
// API keys and session cookies.
type JWTScheme struct {
	svc *JWTService
}

// NewJWTScheme builds the bearer JWT scheme.
func NewJWTScheme(svc *JWTService) *JWTScheme {
	return &JWTScheme{svc: svc}
}

// Name identifies the scheme in logs and metrics.
func (s *JWTScheme) Name() string { return "jwt" }

// Priority orders the scheme last in the chain.
func (s *JWTScheme) Priority() int { return 30 }

// Credential returns the bearer payload unless it is an API key, which
// belongs to the API key scheme.
func (s *JWTScheme) Credential(rc *RequestContext) (string, bool) {
	tok, ok := rc.BearerToken()
	if !ok || IsAPIKey(tok) {
		return "", false
	}
	return tok, true
}

// Resolve verifies the token and builds the identity from its claims.
// No directory round trip: the claims are the source of truth for the
// token's lifetime.
func (s *JWTScheme) Resolve(_ context.Context, credential string, _ *RequestContext) (*UserContext, error) {
	claims, err := s.svc.ValidateToken(credential)
	if err != nil {
		return nil, err
	}
	return &UserContext{
		ID:             claims.UserID,
		Username:       claims.Username,
		Email:          claims.Email,
		Roles:          claims.Roles,
		StoreID:        claims.StoreID,
		OrganizationID: claims.OrganizationID,
		AuthScheme:     s.Name(),
	}, nil
}
