// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package retry provides the shared retry-with-backoff and circuit breaker
// primitive used by the token refresh manager and the authorization
// enforcer. It executes an operation with bounded attempts, exponential
// backoff with optional jitter, and a named circuit breaker per operation
// class backed by sony/gobreaker.
//
// The executor itself does not log or record failure metrics; callers do
// that in the error callback. Breaker state transitions are the exception:
// they are exported as Prometheus gauges so open breakers are visible even
// when no caller is watching.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

var (
	// ErrExhausted indicates the operation failed on every permitted attempt.
	// The last operation error is available via errors.Unwrap.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrCircuitOpen indicates the operation's circuit breaker is open and
	// the call failed fast without invoking the operation.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Operation is a unit of retryable work. It must be safe to invoke multiple
// times; the executor calls it once per attempt.
type Operation func(ctx context.Context) (interface{}, error)

// ErrorCallback receives each attempt's error and the 1-based attempt
// number. Used by callers for logging and metrics; it must not panic.
type ErrorCallback func(err error, attempt int)

// Options configures a single Execute call. The breaker identified by
// OperationName is created on first use with the breaker settings given
// there; later calls with the same name share it.
type Options struct {
	// MaxRetries is the number of retries after the first attempt (>= 0).
	MaxRetries int

	// RetryDelay is the base backoff delay before the first retry.
	RetryDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means no cap.
	MaxDelay time.Duration

	// JitterEnabled randomizes each delay within [delay/2, delay).
	JitterEnabled bool

	// EnableCircuitBreaker guards the operation with a named breaker.
	EnableCircuitBreaker bool

	// CircuitBreakerThreshold is the consecutive-failure count that opens
	// the breaker.
	CircuitBreakerThreshold uint32

	// CircuitBreakerTimeout is how long the breaker stays open before
	// allowing a probe call (half-open).
	CircuitBreakerTimeout time.Duration

	// OperationName keys the breaker and labels its metrics.
	OperationName string
}

// PermanentError marks an operation error as non-retryable. The executor
// stops immediately and returns the wrapped error unmodified.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ExhaustedError carries the terminal failure after all attempts.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

// Unwrap exposes the last operation error.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is reports true for ErrExhausted so callers can match the class.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Executor runs operations with retry and circuit breaking. One executor is
// shared per subsystem; breakers are registered per operation name.
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[interface{}]
}

// NewExecutor creates an executor with an empty breaker registry.
func NewExecutor() *Executor {
	return &Executor{
		breakers: make(map[string]*gobreaker.CircuitBreaker[interface{}]),
	}
}

// Execute runs op with the retry policy in opts. On success it returns the
// operation result. On terminal failure it returns an *ExhaustedError
// (matching ErrExhausted) or ErrCircuitOpen when the breaker rejected the
// call. An open breaker aborts the retry loop immediately; remaining
// attempts are not consumed.
func (e *Executor) Execute(ctx context.Context, opts Options, op Operation, onError ErrorCallback) (interface{}, error) {
	attempts := opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var cb *gobreaker.CircuitBreaker[interface{}]
	if opts.EnableCircuitBreaker {
		cb = e.breaker(opts)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.attempt(ctx, cb, op)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			metrics.CircuitBreakerRejections.WithLabelValues(opts.OperationName).Inc()
			return nil, err
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}

		lastErr = err
		if onError != nil {
			onError(err, attempt)
		}
		metrics.RetryAttemptsTotal.WithLabelValues(opts.OperationName).Inc()

		if attempt == attempts {
			break
		}
		if err := e.wait(ctx, e.delay(opts, attempt)); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Operation: opts.OperationName, Attempts: attempts, Last: lastErr}
}

// attempt invokes the operation once, through the breaker when configured.
func (e *Executor) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker[interface{}], op Operation) (interface{}, error) {
	if cb == nil {
		return op(ctx)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.Name())
	}
	return result, err
}

// delay computes the backoff before the retry following the given attempt.
func (e *Executor) delay(opts Options, attempt int) time.Duration {
	d := opts.RetryDelay
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	// Shift saturates well before overflow for the permitted attempt range.
	if attempt > 1 {
		d <<= attempt - 1
	}
	if opts.MaxDelay > 0 && d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	if opts.JitterEnabled && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(half)))
	}
	return d
}

// wait sleeps for d or returns early when the context is done.
func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// breaker returns the named breaker, creating it on first use.
func (e *Executor) breaker(opts Options) *gobreaker.CircuitBreaker[interface{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[opts.OperationName]; ok {
		return cb
	}

	threshold := opts.CircuitBreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := opts.CircuitBreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        opts.OperationName,
		MaxRequests: 1, // single probe in half-open
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.RecordBreakerState(name, to.String())
		},
	})

	metrics.RecordBreakerState(opts.OperationName, gobreaker.StateClosed.String())
	e.breakers[opts.OperationName] = cb
	return cb
}

// BreakerState returns the named breaker's state string ("closed",
// "half-open", "open"), or "closed" when the breaker does not exist yet.
func (e *Executor) BreakerState(operationName string) string {
	e.mu.Lock()
	cb, ok := e.breakers[operationName]
	e.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// BreakerOpen reports whether the named breaker currently rejects calls.
func (e *Executor) BreakerOpen(operationName string) bool {
	e.mu.Lock()
	cb, ok := e.breakers[operationName]
	e.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}
