// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/logging"
)

// ErrInvalidConfig rejects a manager configuration at construction.
var ErrInvalidConfig = errors.New("invalid refresh manager configuration")

// Config holds the refresh manager's tuning knobs. Validate is called by
// NewManager; invalid combinations fail construction, never at runtime.
type Config struct {
	// RefreshBuffer is how long before access-token expiry a proactive
	// refresh is triggered. Minimum 60s.
	RefreshBuffer time.Duration

	// MaxRetryAttempts is the total number of upstream refresh attempts
	// per operation (1-10).
	MaxRetryAttempts int

	// RetryBaseDelay is the backoff base delay. Minimum 100ms.
	RetryBaseDelay time.Duration

	// MaxRetryDelay caps the exponential backoff. Must be >= RetryBaseDelay.
	MaxRetryDelay time.Duration

	// RefreshCheckInterval is the monitor sweep period. Minimum 1s.
	RefreshCheckInterval time.Duration

	// RefreshBatchSize bounds concurrent upstream refreshes per sweep.
	RefreshBatchSize int

	// BatchPause is the pacing delay between monitor batches.
	BatchPause time.Duration

	// JitterEnabled randomizes retry delays.
	JitterEnabled bool

	// EnableCircuitBreaker guards the upstream refresh call.
	EnableCircuitBreaker bool

	// CircuitBreakerThreshold is the consecutive-failure trip count (>= 1).
	CircuitBreakerThreshold uint32

	// CircuitBreakerTimeout is the open-state cooldown. Minimum 1s.
	CircuitBreakerTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RefreshBuffer:           5 * time.Minute,
		MaxRetryAttempts:        3,
		RetryBaseDelay:          time.Second,
		MaxRetryDelay:           30 * time.Second,
		RefreshCheckInterval:    30 * time.Second,
		RefreshBatchSize:        5,
		BatchPause:              100 * time.Millisecond,
		JitterEnabled:           true,
		EnableCircuitBreaker:    true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// Validate checks hard limits and logs warnings for combinations that are
// legal but likely misconfigured.
func (c *Config) Validate() error {
	if c.RefreshBatchSize == 0 {
		c.RefreshBatchSize = 5
	}
	if c.BatchPause == 0 {
		c.BatchPause = 100 * time.Millisecond
	}

	switch {
	case c.RefreshBuffer < time.Minute:
		return fmt.Errorf("%w: refresh buffer %v below minimum 60s", ErrInvalidConfig, c.RefreshBuffer)
	case c.MaxRetryAttempts < 1 || c.MaxRetryAttempts > 10:
		return fmt.Errorf("%w: max retry attempts %d outside 1-10", ErrInvalidConfig, c.MaxRetryAttempts)
	case c.RetryBaseDelay < 100*time.Millisecond:
		return fmt.Errorf("%w: retry base delay %v below minimum 100ms", ErrInvalidConfig, c.RetryBaseDelay)
	case c.MaxRetryDelay < c.RetryBaseDelay:
		return fmt.Errorf("%w: max retry delay %v below base delay %v", ErrInvalidConfig, c.MaxRetryDelay, c.RetryBaseDelay)
	case c.RefreshCheckInterval < time.Second:
		return fmt.Errorf("%w: refresh check interval %v below minimum 1s", ErrInvalidConfig, c.RefreshCheckInterval)
	case c.RefreshBatchSize < 1:
		return fmt.Errorf("%w: refresh batch size %d below minimum 1", ErrInvalidConfig, c.RefreshBatchSize)
	case c.EnableCircuitBreaker && c.CircuitBreakerThreshold < 1:
		return fmt.Errorf("%w: circuit breaker threshold must be >= 1", ErrInvalidConfig)
	case c.EnableCircuitBreaker && c.CircuitBreakerTimeout < time.Second:
		return fmt.Errorf("%w: circuit breaker timeout %v below minimum 1s", ErrInvalidConfig, c.CircuitBreakerTimeout)
	}

	// Cross-field sanity: worst-case retry time inside one operation
	// should fit in the refresh buffer, otherwise a token can expire
	// while its refresh is still backing off.
	if worst := c.worstCaseRetryTime(); worst > c.RefreshBuffer {
		logging.Warn().
			Dur("worst_case_retry", worst).
			Dur("refresh_buffer", c.RefreshBuffer).
			Msg("total retry time can exceed the refresh buffer")
	}

	return nil
}

// worstCaseRetryTime sums the capped backoff delays of a full retry cycle.
func (c *Config) worstCaseRetryTime() time.Duration {
	var total time.Duration
	delay := c.RetryBaseDelay
	for i := 1; i < c.MaxRetryAttempts; i++ {
		if c.MaxRetryDelay > 0 && delay > c.MaxRetryDelay {
			delay = c.MaxRetryDelay
		}
		total += delay
		delay *= 2
	}
	return total
}
