// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/credentials"
	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/retry"
)

// policyStoreOperation keys the policy store circuit breaker.
const policyStoreOperation = "policy-store"

// Fallback is the decision policy applied when the policy store breaker
// is open.
type Fallback string

const (
	// FallbackAllow permits requests while the store is unavailable.
	FallbackAllow Fallback = "allow"

	// FallbackDeny rejects requests while the store is unavailable.
	FallbackDeny Fallback = "deny"

	// FallbackCacheOnly serves cached decisions only; uncached requests
	// are denied.
	FallbackCacheOnly Fallback = "cache_only"
)

// AnonymousSubject is the subject id used when no identity was resolved.
const AnonymousSubject = "anonymous"

// AuthorizerConfig holds configuration for the decision engine.
type AuthorizerConfig struct {
	// AdminRole is the role granted unconditional access when
	// SuperAdminBypass is on.
	AdminRole string

	// SuperAdminBypass short-circuits evaluation for admins.
	SuperAdminBypass bool

	// DefaultRole is evaluated for subjects carrying no roles, including
	// anonymous requests.
	DefaultRole string

	// Fallback applies when the policy store breaker is open.
	Fallback Fallback

	// CacheEnabled caches decisions per (subject, domain, object, action).
	CacheEnabled bool

	// CacheTTL bounds decision reuse.
	CacheTTL time.Duration

	// MaxRetries bounds policy store retry attempts per lookup.
	MaxRetries int

	// CircuitBreakerThreshold is consecutive failures before the store
	// breaker opens.
	CircuitBreakerThreshold uint32

	// CircuitBreakerTimeout is the open-state cooldown.
	CircuitBreakerTimeout time.Duration

	// AuditEnabled records every decision to the audit log.
	AuditEnabled bool

	// Audit overrides the audit logger defaults when AuditEnabled is on.
	Audit *AuditLoggerConfig
}

// DefaultAuthorizerConfig returns the secure defaults.
func DefaultAuthorizerConfig() *AuthorizerConfig {
	return &AuthorizerConfig{
		AdminRole:               "admin",
		SuperAdminBypass:        true,
		DefaultRole:             "viewer",
		Fallback:                FallbackDeny,
		CacheEnabled:            true,
		CacheTTL:                5 * time.Minute,
		MaxRetries:              1,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		AuditEnabled:            true,
	}
}

// Validate checks the configuration.
func (c *AuthorizerConfig) Validate() error {
	switch c.Fallback {
	case FallbackAllow, FallbackDeny, FallbackCacheOnly:
	default:
		return fmt.Errorf("invalid fallback mode %q", c.Fallback)
	}
	if c.SuperAdminBypass && c.AdminRole == "" {
		return errors.New("admin role is required when super admin bypass is enabled")
	}
	return nil
}

// Request is one authorization check, used by BatchAuthorize.
type Request struct {
	Subject *credentials.UserContext
	Object  string
	Action  string
	Domain  string
}

// PolicyStore is the policy backend consumed by the Authorizer,
// implemented by Enforcer.
type PolicyStore interface {
	Enforce(subject, domain, object, action string) (bool, error)
	AddPolicy(subject, domain, object, action string) (bool, error)
	RemovePolicy(subject, domain, object, action string) (bool, error)
	AddRoleForUser(user, role, domain string) (bool, error)
	RemoveRoleForUser(user, role, domain string) (bool, error)
	RolesForUser(user, domain string) ([]string, error)
	PermissionsForUser(user, domain string) ([][]string, error)
}

// Authorizer is the decision engine: cache, then policy store behind a
// circuit breaker, then admin bypass, then deny.
type Authorizer struct {
	cfg      *AuthorizerConfig
	enforcer PolicyStore
	cache    *decisionCache
	exec     *retry.Executor
	audit    *AuditLogger
}

// NewAuthorizer builds the decision engine around a policy store.
func NewAuthorizer(cfg *AuthorizerConfig, enforcer PolicyStore) (*Authorizer, error) {
	if enforcer == nil {
		return nil, errors.New("enforcer is required")
	}
	if cfg == nil {
		cfg = DefaultAuthorizerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Authorizer{
		cfg:      cfg,
		enforcer: enforcer,
		exec:     retry.NewExecutor(),
	}
	if cfg.CacheEnabled {
		a.cache = newDecisionCache(cfg.CacheTTL)
	}
	if cfg.AuditEnabled {
		auditCfg := cfg.Audit
		if auditCfg == nil {
			auditCfg = DefaultAuditLoggerConfig()
		}
		a.audit = NewAuditLogger(auditCfg)
	}
	return a, nil
}

// Close releases the cache sweeper and flushes the audit log.
func (a *Authorizer) Close() {
	if a.cache != nil {
		a.cache.stop()
	}
	if a.audit != nil {
		a.audit.Close()
	}
}

// Authorize decides whether the user may perform the action on the
// object within the domain. It never returns an error to the caller;
// evaluation failures resolve to a deny decision and are logged.
//
// Precedence: cached decision, direct or role-based policy match in the
// concrete domain, the same checks against the wildcard domain, admin
// bypass, then deny. Concurrent calls for the same key may each query
// the store; entries are idempotent recomputations so last writer wins.
func (a *Authorizer) Authorize(ctx context.Context, user *credentials.UserContext, object, action, domain string) Decision {
	start := time.Now()
	subject, roles := a.subjectAndRoles(user)
	domain = a.normalizeDomain(user, domain)

	if a.cache != nil {
		if d, ok := a.cache.get(subject, domain, object, action); ok {
			a.finish(ctx, user, subject, roles, object, action, domain, d, start, true, "cache")
			return d
		}
	}

	d, source := a.evaluate(ctx, subject, roles, object, action, domain)
	if a.cache != nil && source != "fallback" {
		// Fallback outcomes are never cached: a transient outage must
		// not poison the cache for a full TTL.
		a.cache.set(subject, domain, object, action, d)
	}
	a.finish(ctx, user, subject, roles, object, action, domain, d, start, false, source)
	return d
}

// BatchAuthorize evaluates several checks, preserving order.
func (a *Authorizer) BatchAuthorize(ctx context.Context, requests []Request) []Decision {
	out := make([]Decision, len(requests))
	for i, req := range requests {
		out[i] = a.Authorize(ctx, req.Subject, req.Object, req.Action, req.Domain)
	}
	return out
}

// evaluate walks the precedence ladder against the policy store. The
// returned source is "store", "bypass" or "fallback".
func (a *Authorizer) evaluate(ctx context.Context, subject string, roles []string, object, action, domain string) (Decision, string) {
	domains := []string{domain}
	if domain != WildcardDomain {
		domains = append(domains, WildcardDomain)
	}

	for _, dom := range domains {
		allowed, err := a.checkStore(ctx, subject, dom, object, action)
		if err != nil {
			return a.resolveStoreFailure(err, subject, object, action)
		}
		if allowed {
			reason := "policy match"
			if dom == WildcardDomain && dom != domain {
				reason = "policy match (wildcard domain)"
			}
			return Decision{Allowed: true, Reason: reason}, "store"
		}

		for _, role := range roles {
			allowed, err := a.checkStore(ctx, role, dom, object, action)
			if err != nil {
				return a.resolveStoreFailure(err, subject, object, action)
			}
			if allowed {
				reason := "role match: " + role
				if dom == WildcardDomain && dom != domain {
					reason = "role match (wildcard domain): " + role
				}
				return Decision{Allowed: true, Reason: reason}, "store"
			}
		}
	}

	if a.cfg.SuperAdminBypass && hasRole(roles, a.cfg.AdminRole) {
		return Decision{Allowed: true, Reason: "super admin bypass"}, "bypass"
	}

	return Decision{Allowed: false, Reason: "no matching rule"}, "store"
}

// checkStore queries the policy store through the retry executor and
// its circuit breaker.
func (a *Authorizer) checkStore(ctx context.Context, subject, domain, object, action string) (bool, error) {
	result, err := a.exec.Execute(ctx, retry.Options{
		MaxRetries:              a.cfg.MaxRetries,
		RetryDelay:              10 * time.Millisecond,
		MaxDelay:                100 * time.Millisecond,
		EnableCircuitBreaker:    true,
		CircuitBreakerThreshold: a.cfg.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   a.cfg.CircuitBreakerTimeout,
		OperationName:           policyStoreOperation,
	}, func(context.Context) (interface{}, error) {
		return a.enforcer.Enforce(subject, domain, object, action)
	}, nil)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// resolveStoreFailure applies the fallback policy when the store is
// unreachable, and the secure default deny for any other failure.
func (a *Authorizer) resolveStoreFailure(err error, subject, object, action string) (Decision, string) {
	if errors.Is(err, retry.ErrCircuitOpen) {
		fallbacksTotal.WithLabelValues(string(a.cfg.Fallback)).Inc()
		logging.Warn().Err(err).
			Str("subject", subject).
			Str("object", object).
			Str("action", action).
			Str("fallback", string(a.cfg.Fallback)).
			Msg("policy store unavailable, applying fallback")

		switch a.cfg.Fallback {
		case FallbackAllow:
			return Decision{Allowed: true, Reason: "fallback allow: policy store unavailable"}, "fallback"
		case FallbackCacheOnly:
			// The cache was already consulted and missed.
			return Decision{Allowed: false, Reason: "fallback cache-only: no cached decision"}, "fallback"
		default:
			return Decision{Allowed: false, Reason: "fallback deny: policy store unavailable"}, "fallback"
		}
	}

	logging.Error().Err(err).
		Str("subject", subject).
		Str("object", object).
		Str("action", action).
		Msg("authorization evaluation failed")
	return Decision{Allowed: false, Reason: "evaluation error"}, "fallback"
}

// GetUserRoles returns the user's effective roles: those carried in the
// identity plus the transitive closure from the policy store.
func (a *Authorizer) GetUserRoles(ctx context.Context, user *credentials.UserContext, domain string) ([]string, error) {
	subject, roles := a.subjectAndRoles(user)
	domain = a.normalizeDomain(user, domain)

	seen := make(map[string]struct{})
	var out []string
	add := func(role string) {
		if _, ok := seen[role]; !ok {
			seen[role] = struct{}{}
			out = append(out, role)
		}
	}

	for _, r := range roles {
		add(r)
		// Expand carried roles through the store's hierarchy.
		inherited, err := a.enforcer.RolesForUser(r, domain)
		if err != nil {
			return nil, err
		}
		for _, ir := range inherited {
			add(ir)
		}
	}

	stored, err := a.enforcer.RolesForUser(subject, domain)
	if err != nil {
		return nil, err
	}
	for _, r := range stored {
		add(r)
	}
	return out, nil
}

// GetUserPermissions returns the user's effective permission rules as
// (domain, object, action) triples.
func (a *Authorizer) GetUserPermissions(ctx context.Context, user *credentials.UserContext, domain string) ([][]string, error) {
	roles, err := a.GetUserRoles(ctx, user, domain)
	if err != nil {
		return nil, err
	}
	subject, _ := a.subjectAndRoles(user)
	domain = a.normalizeDomain(user, domain)

	seen := make(map[string]struct{})
	var out [][]string
	collect := func(rules [][]string) {
		for _, rule := range rules {
			// rule: sub, dom, obj, act
			if len(rule) < 4 {
				continue
			}
			key := rule[1] + "\x00" + rule[2] + "\x00" + rule[3]
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				out = append(out, []string{rule[1], rule[2], rule[3]})
			}
		}
	}

	for _, holder := range append([]string{subject}, roles...) {
		perms, err := a.enforcer.PermissionsForUser(holder, domain)
		if err != nil {
			return nil, err
		}
		collect(perms)
	}
	return out, nil
}

// AddPolicy adds a rule at runtime and drops all cached decisions.
func (a *Authorizer) AddPolicy(subject, domain, object, action string) (bool, error) {
	added, err := a.enforcer.AddPolicy(subject, domain, object, action)
	if err != nil {
		return false, err
	}
	if added && a.cache != nil {
		a.cache.clear()
	}
	if added {
		policyMutationsTotal.WithLabelValues("add_policy").Inc()
	}
	return added, nil
}

// RemovePolicy removes a rule at runtime and drops all cached decisions.
func (a *Authorizer) RemovePolicy(subject, domain, object, action string) (bool, error) {
	removed, err := a.enforcer.RemovePolicy(subject, domain, object, action)
	if err != nil {
		return false, err
	}
	if removed && a.cache != nil {
		a.cache.clear()
	}
	if removed {
		policyMutationsTotal.WithLabelValues("remove_policy").Inc()
	}
	return removed, nil
}

// AddRoleForUser assigns a role and invalidates the user's cached
// decisions.
func (a *Authorizer) AddRoleForUser(user, role, domain string) (bool, error) {
	added, err := a.enforcer.AddRoleForUser(user, role, domain)
	if err != nil {
		return false, err
	}
	if added {
		if a.cache != nil {
			a.cache.invalidateSubject(user)
		}
		policyMutationsTotal.WithLabelValues("add_role").Inc()
	}
	return added, nil
}

// RemoveRoleForUser removes a role and invalidates the user's cached
// decisions.
func (a *Authorizer) RemoveRoleForUser(user, role, domain string) (bool, error) {
	removed, err := a.enforcer.RemoveRoleForUser(user, role, domain)
	if err != nil {
		return false, err
	}
	if removed {
		if a.cache != nil {
			a.cache.invalidateSubject(user)
		}
		policyMutationsTotal.WithLabelValues("remove_role").Inc()
	}
	return removed, nil
}

// CacheSize reports the number of live cached decisions.
func (a *Authorizer) CacheSize() int {
	if a.cache == nil {
		return 0
	}
	return a.cache.len()
}

// BreakerState reports the policy store breaker state.
func (a *Authorizer) BreakerState() string {
	return a.exec.BreakerState(policyStoreOperation)
}

// subjectAndRoles maps an identity to its policy subject and role set.
// Anonymous requests and role-less users evaluate under the default
// role.
func (a *Authorizer) subjectAndRoles(user *credentials.UserContext) (string, []string) {
	if user == nil || user.ID == "" {
		roles := []string{}
		if a.cfg.DefaultRole != "" {
			roles = append(roles, a.cfg.DefaultRole)
		}
		return AnonymousSubject, roles
	}
	roles := user.Roles
	if len(roles) == 0 && a.cfg.DefaultRole != "" {
		roles = []string{a.cfg.DefaultRole}
	}
	return user.ID, roles
}

func (a *Authorizer) normalizeDomain(user *credentials.UserContext, domain string) string {
	if domain != "" {
		return domain
	}
	if user != nil {
		if d := user.Domain(); d != "" {
			return d
		}
	}
	return WildcardDomain
}

// finish records metrics and the audit trail for one decision.
func (a *Authorizer) finish(ctx context.Context, user *credentials.UserContext, subject string, roles []string, object, action, domain string, d Decision, start time.Time, cacheHit bool, source string) {
	duration := time.Since(start)
	decisionDuration.Observe(duration.Seconds())
	recordDecision(d, source)

	if a.audit != nil {
		username := ""
		if user != nil {
			username = user.Username
		}
		a.audit.LogDecision(&AuditEvent{
			RequestID:     GetRequestID(ctx),
			ActorID:       subject,
			ActorUsername: username,
			ActorRoles:    roles,
			Domain:        domain,
			Resource:      object,
			Action:        action,
			Decision:      d.Allowed,
			Reason:        d.Reason,
			Duration:      duration,
			CacheHit:      cacheHit,
		})
	}
}

func hasRole(roles []string, role string) bool {
	if role == "" {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
