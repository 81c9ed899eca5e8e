// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/neurotracker/config.yaml",
	"/etc/neurotracker/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces all environment overrides.
const envPrefix = "NT_"

// defaultConfig returns the built-in defaults. They are applied first,
// then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8087,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			TrustedProxies:  []string{},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			Environment:     "development",
		},
		JWT: JWTConfig{
			Secret:  "",
			Issuer:  "neurotracker-auth",
			Timeout: 24 * time.Hour,
		},
		Session: SessionConfig{
			Store:     "memory",
			StorePath: "/data/sessions",
			Timeout:   24 * time.Hour,
		},
		Refresh: RefreshConfig{
			UpstreamURL:             "",
			Buffer:                  5 * time.Minute,
			MaxRetryAttempts:        3,
			RetryBaseDelay:          time.Second,
			MaxRetryDelay:           30 * time.Second,
			CheckInterval:           30 * time.Second,
			BatchSize:               5,
			BatchPause:              100 * time.Millisecond,
			JitterEnabled:           true,
			CircuitBreakerEnabled:   true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		Authz: AuthzConfig{
			ModelPath:               "",
			PolicyPath:              "",
			AutoReload:              true,
			ReloadInterval:          30 * time.Second,
			AdminRole:               "admin",
			SuperAdminBypass:        true,
			DefaultRole:             "viewer",
			Fallback:                "deny",
			CacheEnabled:            true,
			CacheTTL:                5 * time.Minute,
			MaxRetries:              1,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			Store:         "memory",
			Dir:           "/data/cache",
			CredentialTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1000,
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. NT_-prefixed environment variables
//
// Precedence is ENV > File > Defaults. The result is validated before
// being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// NT_JWT_SECRET -> jwt.secret, NT_REFRESH_MAX_RETRY_ATTEMPTS ->
	// refresh.max_retry_attempts. Unmapped variables are ignored so
	// unrelated environment noise cannot reach the config.
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when they
// arrive as env var strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"server.trusted_proxies",
}

// processSliceFields converts comma-separated strings into slices for the
// known slice fields. YAML values already arrive as slices and are left
// alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps NT_-stripped, lowercased variable names to config
// paths. Only mapped variables are honored.
var envMappings = map[string]string{
	// Server
	"http_host":           "server.host",
	"http_port":           "server.port",
	"http_read_timeout":   "server.read_timeout",
	"http_write_timeout":  "server.write_timeout",
	"shutdown_timeout":    "server.shutdown_timeout",
	"cors_origins":        "server.cors_origins",
	"trusted_proxies":     "server.trusted_proxies",
	"rate_limit_requests": "server.rate_limit_reqs",
	"rate_limit_window":   "server.rate_limit_window",
	"disable_rate_limit":  "server.rate_limit_disabled",
	"environment":         "server.environment",

	// JWT
	"jwt_secret":  "jwt.secret",
	"jwt_issuer":  "jwt.issuer",
	"jwt_timeout": "jwt.timeout",

	// Sessions
	"session_store":      "session.store",
	"session_store_path": "session.store_path",
	"session_timeout":    "session.timeout",

	// Refresh manager
	"refresh_upstream_url":       "refresh.upstream_url",
	"refresh_buffer":             "refresh.buffer",
	"refresh_max_retry_attempts": "refresh.max_retry_attempts",
	"refresh_retry_base_delay":   "refresh.retry_base_delay",
	"refresh_max_retry_delay":    "refresh.max_retry_delay",
	"refresh_check_interval":     "refresh.check_interval",
	"refresh_batch_size":         "refresh.batch_size",
	"refresh_batch_pause":        "refresh.batch_pause",
	"refresh_jitter":             "refresh.jitter_enabled",
	"refresh_breaker_enabled":    "refresh.circuit_breaker_enabled",
	"refresh_breaker_threshold":  "refresh.circuit_breaker_threshold",
	"refresh_breaker_timeout":    "refresh.circuit_breaker_timeout",

	// Authorization
	"authz_model_path":         "authz.model_path",
	"authz_policy_path":        "authz.policy_path",
	"authz_auto_reload":        "authz.auto_reload",
	"authz_reload_interval":    "authz.reload_interval",
	"authz_admin_role":         "authz.admin_role",
	"authz_super_admin_bypass": "authz.super_admin_bypass",
	"authz_default_role":       "authz.default_role",
	"authz_fallback":           "authz.fallback",
	"authz_cache_enabled":      "authz.cache_enabled",
	"authz_cache_ttl":          "authz.cache_ttl",
	"authz_max_retries":        "authz.max_retries",
	"authz_breaker_threshold":  "authz.circuit_breaker_threshold",
	"authz_breaker_timeout":    "authz.circuit_breaker_timeout",

	// Credential cache
	"cache_store":          "cache.store",
	"cache_dir":            "cache.dir",
	"cache_credential_ttl": "cache.credential_ttl",

	// Audit
	"audit_enabled":     "audit.enabled",
	"audit_buffer_size": "audit.buffer_size",
	"audit_sample_rate": "audit.sample_rate",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to its config path.
// Unmapped variables return "" and are skipped.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
