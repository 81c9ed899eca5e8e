// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package authz decides allow/deny for (subject, domain, object, action)
// tuples. Policies live in a Casbin RBAC-with-domains model; decisions
// are cached with a TTL and the policy store sits behind a circuit
// breaker with a configurable fallback.
package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// WildcardDomain matches any concrete domain in a policy rule.
const WildcardDomain = "*"

// EnforcerConfig holds configuration for the policy store.
type EnforcerConfig struct {
	// ModelPath overrides the embedded Casbin model.
	ModelPath string

	// PolicyPath overrides the embedded policy set and enables
	// persistence through the file adapter.
	PolicyPath string

	// AutoReload re-reads the policy file periodically.
	AutoReload bool

	// ReloadInterval is how often to check for policy changes.
	ReloadInterval time.Duration
}

// DefaultEnforcerConfig returns default configuration.
func DefaultEnforcerConfig() *EnforcerConfig {
	return &EnforcerConfig{
		AutoReload:     true,
		ReloadInterval: 30 * time.Second,
	}
}

// Enforcer wraps the Casbin enforcer with domain-aware helpers.
type Enforcer struct {
	config   *EnforcerConfig
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer creates a policy store from the configured (or embedded)
// model and policy files.
func NewEnforcer(config *EnforcerConfig) (*Enforcer, error) {
	if config == nil {
		config = DefaultEnforcerConfig()
	}

	var m model.Model
	var err error
	if config.ModelPath != "" && fileExists(config.ModelPath) {
		m, err = model.NewModelFromFile(config.ModelPath)
	} else {
		m, err = model.NewModelFromString(embeddedModel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if config.PolicyPath != "" && fileExists(config.PolicyPath) {
		adapter := fileadapter.NewAdapter(config.PolicyPath)
		enforcer, err = casbin.NewSyncedEnforcer(m, adapter)
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	if config.AutoReload && config.PolicyPath != "" {
		enforcer.StartAutoLoadPolicy(config.ReloadInterval)
	}

	return &Enforcer{config: config, enforcer: enforcer}, nil
}

// loadEmbeddedPolicy parses the embedded policy CSV line by line.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch parts[0] {
		case "p":
			if len(parts) >= 5 {
				if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3], parts[4]); err != nil {
					return fmt.Errorf("failed to add policy %v: %w", parts[1:], err)
				}
			}
		case "g":
			if len(parts) >= 4 {
				if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2], parts[3]); err != nil {
					return fmt.Errorf("failed to add grouping policy %v: %w", parts[1:], err)
				}
			}
		}
	}
	return nil
}

// Enforce checks whether the subject may perform the action on the
// object within the domain. Role inheritance is resolved transitively by
// the model's g function.
func (e *Enforcer) Enforce(subject, domain, object, action string) (bool, error) {
	allowed, err := e.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return false, fmt.Errorf("enforcement failed: %w", err)
	}
	return allowed, nil
}

// AddPolicy adds a policy rule. Reports whether the rule was new.
func (e *Enforcer) AddPolicy(subject, domain, object, action string) (bool, error) {
	added, err := e.enforcer.AddPolicy(subject, domain, object, action)
	if err != nil {
		return false, fmt.Errorf("failed to add policy: %w", err)
	}
	return added, nil
}

// RemovePolicy removes a policy rule.
func (e *Enforcer) RemovePolicy(subject, domain, object, action string) (bool, error) {
	removed, err := e.enforcer.RemovePolicy(subject, domain, object, action)
	if err != nil {
		return false, fmt.Errorf("failed to remove policy: %w", err)
	}
	return removed, nil
}

// AddRoleForUser assigns a role to a user within a domain.
func (e *Enforcer) AddRoleForUser(user, role, domain string) (bool, error) {
	added, err := e.enforcer.AddGroupingPolicy(user, role, domain)
	if err != nil {
		return false, fmt.Errorf("failed to add role: %w", err)
	}
	return added, nil
}

// RemoveRoleForUser removes a role from a user within a domain.
func (e *Enforcer) RemoveRoleForUser(user, role, domain string) (bool, error) {
	removed, err := e.enforcer.RemoveGroupingPolicy(user, role, domain)
	if err != nil {
		return false, fmt.Errorf("failed to remove role: %w", err)
	}
	return removed, nil
}

// RolesForUser returns the user's transitive role closure in a domain.
func (e *Enforcer) RolesForUser(user, domain string) ([]string, error) {
	roles, err := e.enforcer.GetImplicitRolesForUser(user, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	return roles, nil
}

// PermissionsForUser returns the user's effective permission rules in a
// domain, including those inherited through roles.
func (e *Enforcer) PermissionsForUser(user, domain string) ([][]string, error) {
	perms, err := e.enforcer.GetImplicitPermissionsForUser(user, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	return perms, nil
}

// Policies returns all policy rules.
func (e *Enforcer) Policies() [][]string {
	policies, _ := e.enforcer.GetPolicy()
	return policies
}

// GroupingPolicies returns all role assignment rules.
func (e *Enforcer) GroupingPolicies() [][]string {
	policies, _ := e.enforcer.GetGroupingPolicy()
	return policies
}

// ErrNoAdapter is returned by SavePolicy and LoadPolicy when running on
// the embedded policy without a file adapter.
var ErrNoAdapter = errors.New("no policy adapter configured; using embedded policy")

// SavePolicy persists the current policy set through the file adapter.
func (e *Enforcer) SavePolicy() error {
	if e.config.PolicyPath == "" {
		return ErrNoAdapter
	}
	return e.enforcer.SavePolicy()
}

// LoadPolicy reloads the policy set from the file adapter.
func (e *Enforcer) LoadPolicy() error {
	if e.config.PolicyPath == "" {
		return ErrNoAdapter
	}
	return e.enforcer.LoadPolicy()
}

// Close stops background reloading.
func (e *Enforcer) Close() {
	e.enforcer.StopAutoLoadPolicy()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
