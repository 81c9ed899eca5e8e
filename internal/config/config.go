// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package config

import (
	"fmt"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/authz"
	"github.com/ziedak/neurotracker-auth/internal/refresh"
	"github.com/ziedak/neurotracker-auth/internal/validation"
)

// Config is the complete service configuration. It is loaded once at
// startup through Load and treated as immutable afterwards.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	JWT     JWTConfig     `koanf:"jwt"`
	Session SessionConfig `koanf:"session"`
	Refresh RefreshConfig `koanf:"refresh"`
	Authz   AuthzConfig   `koanf:"authz"`
	Cache   CacheConfig   `koanf:"cache"`
	Audit   AuditConfig   `koanf:"audit"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	Environment       string        `koanf:"environment" validate:"oneof=development production"`
}

// JWTConfig holds token signing settings. The secret has no default; a
// production deployment must provide one.
type JWTConfig struct {
	Secret  string        `koanf:"secret"`
	Issuer  string        `koanf:"issuer" validate:"required"`
	Timeout time.Duration `koanf:"timeout"`
}

// SessionConfig holds session and API key persistence settings.
type SessionConfig struct {
	// Store selects the backing store: memory or badger.
	Store string `koanf:"store" validate:"oneof=memory badger"`

	// StorePath is the badger data directory. Ignored for memory.
	StorePath string `koanf:"store_path"`

	// Timeout is the default session lifetime.
	Timeout time.Duration `koanf:"timeout"`
}

// RefreshConfig mirrors the token refresh manager knobs.
type RefreshConfig struct {
	UpstreamURL             string        `koanf:"upstream_url"`
	Buffer                  time.Duration `koanf:"buffer"`
	MaxRetryAttempts        int           `koanf:"max_retry_attempts"`
	RetryBaseDelay          time.Duration `koanf:"retry_base_delay"`
	MaxRetryDelay           time.Duration `koanf:"max_retry_delay"`
	CheckInterval           time.Duration `koanf:"check_interval"`
	BatchSize               int           `koanf:"batch_size"`
	BatchPause              time.Duration `koanf:"batch_pause"`
	JitterEnabled           bool          `koanf:"jitter_enabled"`
	CircuitBreakerEnabled   bool          `koanf:"circuit_breaker_enabled"`
	CircuitBreakerThreshold uint32        `koanf:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `koanf:"circuit_breaker_timeout"`
}

// ManagerConfig converts the section into the refresh manager's config.
func (c RefreshConfig) ManagerConfig() refresh.Config {
	return refresh.Config{
		RefreshBuffer:           c.Buffer,
		MaxRetryAttempts:        c.MaxRetryAttempts,
		RetryBaseDelay:          c.RetryBaseDelay,
		MaxRetryDelay:           c.MaxRetryDelay,
		RefreshCheckInterval:    c.CheckInterval,
		RefreshBatchSize:        c.BatchSize,
		BatchPause:              c.BatchPause,
		JitterEnabled:           c.JitterEnabled,
		EnableCircuitBreaker:    c.CircuitBreakerEnabled,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   c.CircuitBreakerTimeout,
	}
}

// AuthzConfig holds policy store and decision engine settings.
type AuthzConfig struct {
	ModelPath               string        `koanf:"model_path"`
	PolicyPath              string        `koanf:"policy_path"`
	AutoReload              bool          `koanf:"auto_reload"`
	ReloadInterval          time.Duration `koanf:"reload_interval"`
	AdminRole               string        `koanf:"admin_role"`
	SuperAdminBypass        bool          `koanf:"super_admin_bypass"`
	DefaultRole             string        `koanf:"default_role" validate:"required"`
	Fallback                string        `koanf:"fallback" validate:"oneof=allow deny cache_only"`
	CacheEnabled            bool          `koanf:"cache_enabled"`
	CacheTTL                time.Duration `koanf:"cache_ttl"`
	MaxRetries              int           `koanf:"max_retries" validate:"min=0,max=10"`
	CircuitBreakerThreshold uint32        `koanf:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `koanf:"circuit_breaker_timeout"`
}

// EnforcerConfig converts the section into the policy store's config.
func (c AuthzConfig) EnforcerConfig() *authz.EnforcerConfig {
	return &authz.EnforcerConfig{
		ModelPath:      c.ModelPath,
		PolicyPath:     c.PolicyPath,
		AutoReload:     c.AutoReload,
		ReloadInterval: c.ReloadInterval,
	}
}

// AuthorizerConfig converts the section into the decision engine's config.
func (c AuthzConfig) AuthorizerConfig(audit AuditConfig) *authz.AuthorizerConfig {
	return &authz.AuthorizerConfig{
		AdminRole:               c.AdminRole,
		SuperAdminBypass:        c.SuperAdminBypass,
		DefaultRole:             c.DefaultRole,
		Fallback:                authz.Fallback(c.Fallback),
		CacheEnabled:            c.CacheEnabled,
		CacheTTL:                c.CacheTTL,
		MaxRetries:              c.MaxRetries,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   c.CircuitBreakerTimeout,
		AuditEnabled:            audit.Enabled,
		Audit: &authz.AuditLoggerConfig{
			Enabled:    audit.Enabled,
			LogAllowed: true,
			LogDenied:  true,
			SampleRate: audit.SampleRate,
			BufferSize: audit.BufferSize,
		},
	}
}

// CacheConfig holds credential cache settings.
type CacheConfig struct {
	// Store selects the cache backend: memory or badger.
	Store string `koanf:"store" validate:"oneof=memory badger"`

	// Dir is the badger cache directory. Ignored for memory.
	Dir string `koanf:"dir"`

	// CredentialTTL bounds reuse of resolved credentials.
	CredentialTTL time.Duration `koanf:"credential_ttl"`
}

// AuditConfig holds authorization audit log settings.
type AuditConfig struct {
	Enabled    bool    `koanf:"enabled"`
	BufferSize int     `koanf:"buffer_size" validate:"min=0"`
	SampleRate float64 `koanf:"sample_rate" validate:"min=0,max=1"`
}

// LoggingConfig holds global logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks field constraints and cross-section rules. It is called
// by Load; direct construction in tests should call it explicitly.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Environment() == "production" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("jwt.secret must be at least 32 characters in production")
	}
	if c.Session.Store == "badger" && c.Session.StorePath == "" {
		return fmt.Errorf("session.store_path is required when session.store is badger")
	}
	if c.Cache.Store == "badger" && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required when cache.store is badger")
	}

	refreshCfg := c.Refresh.ManagerConfig()
	if err := refreshCfg.Validate(); err != nil {
		return err
	}

	authzCfg := c.Authz.AuthorizerConfig(c.Audit)
	if err := authzCfg.Validate(); err != nil {
		return fmt.Errorf("authz config: %w", err)
	}

	return nil
}

// Environment reports the deployment environment, defaulting to development.
func (c *Config) Environment() string {
	if c.Server.Environment == "" {
		return "development"
	}
	return c.Server.Environment
}

// IsProduction reports whether production hardening rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment() == "production"
}
