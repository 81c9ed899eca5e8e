// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package authz

import (
	"context"
	"net/http"

	"github.com/ziedak/neurotracker-auth/internal/credentials"
	"github.com/ziedak/neurotracker-auth/internal/logging"
)

const identityKey contextKey = "identity"

// WithIdentity attaches a resolved identity to the context.
func WithIdentity(ctx context.Context, user *credentials.UserContext) context.Context {
	return context.WithValue(ctx, identityKey, user)
}

// IdentityFrom returns the resolved identity, or nil for anonymous
// requests.
func IdentityFrom(ctx context.Context) *credentials.UserContext {
	if user, ok := ctx.Value(identityKey).(*credentials.UserContext); ok {
		return user
	}
	return nil
}

// Middleware wires credential extraction and authorization into an HTTP
// handler chain.
type Middleware struct {
	extractor  *credentials.Extractor
	authorizer *Authorizer

	// AllowAnonymous lets requests without credentials through
	// extraction; they are authorized under the default role.
	AllowAnonymous bool
}

// NewMiddleware builds the middleware.
func NewMiddleware(extractor *credentials.Extractor, authorizer *Authorizer) *Middleware {
	return &Middleware{extractor: extractor, authorizer: authorizer}
}

// Authenticate resolves the caller's identity and stores it in the
// request context. Invalid credentials are rejected with 401; absent
// credentials are rejected unless AllowAnonymous is set.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.extractor.Extract(r.Context(), credentials.FromHTTP(r))
		if err != nil {
			http.Error(w, "Unauthorized: invalid credentials", http.StatusUnauthorized)
			return
		}
		if user == nil && !m.AllowAnonymous {
			http.Error(w, "Unauthorized: credentials required", http.StatusUnauthorized)
			return
		}
		if user != nil {
			r = r.WithContext(WithIdentity(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// Authorize enforces a fixed object and action for every request
// passing through it.
func (m *Middleware) Authorize(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.enforce(w, r, next, object, action)
		})
	}
}

// AuthorizeRequest derives the action from the HTTP method and uses the
// request path as the object.
func (m *Middleware) AuthorizeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.enforce(w, r, next, r.URL.Path, methodToAction(r.Method))
	})
}

func (m *Middleware) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, object, action string) {
	user := IdentityFrom(r.Context())

	d := m.authorizer.Authorize(r.Context(), user, object, action, "")
	if !d.Allowed {
		logging.Debug().
			Str("object", object).
			Str("action", action).
			Str("reason", d.Reason).
			Msg("request denied")
		http.Error(w, "Forbidden: "+d.Reason, http.StatusForbidden)
		return
	}
	next.ServeHTTP(w, r)
}

// methodToAction maps HTTP methods to policy actions.
func methodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return "write"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
