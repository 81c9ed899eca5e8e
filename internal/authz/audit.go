// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package authz

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ziedak/neurotracker-auth/internal/logging"
)

// AuditEvent captures the complete context of one authorization
// decision for security monitoring and forensics.
type AuditEvent struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	RequestID     string        `json:"request_id,omitempty"`
	ActorID       string        `json:"actor_id"`
	ActorUsername string        `json:"actor_username,omitempty"`
	ActorRoles    []string      `json:"actor_roles,omitempty"`
	Domain        string        `json:"domain,omitempty"`
	Resource      string        `json:"resource"`
	Action        string        `json:"action"`
	Decision      bool          `json:"decision"`
	Reason        string        `json:"reason,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	CacheHit      bool          `json:"cache_hit"`
	IPAddress     string        `json:"ip_address,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// Enabled controls whether audit logging is active.
	Enabled bool

	// LogAllowed logs allowed decisions. Turn off to record denials
	// only, cutting log volume.
	LogAllowed bool

	// LogDenied logs denied decisions.
	LogDenied bool

	// SampleRate is the fraction of allowed decisions recorded, 0.0 to
	// 1.0. Denials are never sampled.
	SampleRate float64

	// BufferSize is the async queue depth. Events are dropped, not
	// blocked on, when the queue is full.
	BufferSize int
}

// DefaultAuditLoggerConfig returns production defaults.
func DefaultAuditLoggerConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		Enabled:    true,
		LogAllowed: true,
		LogDenied:  true,
		SampleRate: 1.0,
		BufferSize: 1000,
	}
}

// AuditLogger records authorization decisions asynchronously.
type AuditLogger struct {
	config   *AuditLoggerConfig
	events   chan *AuditEvent
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAuditLogger builds an audit logger and starts its writer.
func NewAuditLogger(config *AuditLoggerConfig) *AuditLogger {
	if config == nil {
		config = DefaultAuditLoggerConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	al := &AuditLogger{
		config:   config,
		events:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}
	if config.Enabled {
		al.wg.Add(1)
		go al.run()
	}
	return al
}

// LogDecision queues an event. Non-blocking; events are dropped when
// the queue is full.
func (al *AuditLogger) LogDecision(event *AuditEvent) {
	if al == nil || !al.config.Enabled {
		return
	}
	if event.Decision {
		if !al.config.LogAllowed {
			return
		}
		if al.config.SampleRate < 1.0 && rand.Float64() >= al.config.SampleRate {
			return
		}
	} else if !al.config.LogDenied {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case al.events <- event:
	default:
		logging.Warn().
			Str("actor_id", event.ActorID).
			Str("resource", event.Resource).
			Msg("audit queue full, event dropped")
	}
}

func (al *AuditLogger) run() {
	defer al.wg.Done()
	for {
		select {
		case <-al.stopChan:
			al.drain()
			return
		case event := <-al.events:
			al.write(event)
		}
	}
}

func (al *AuditLogger) drain() {
	for {
		select {
		case event := <-al.events:
			al.write(event)
		default:
			return
		}
	}
}

// write emits one event to the structured log. Denials log at warn for
// visibility.
func (al *AuditLogger) write(event *AuditEvent) {
	e := logging.Info()
	if !event.Decision {
		e = logging.Warn()
	}

	e = e.
		Str("event_type", "authz_decision").
		Str("audit_id", event.ID).
		Time("audit_timestamp", event.Timestamp).
		Str("actor_id", event.ActorID).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Bool("decision", event.Decision).
		Dur("duration", event.Duration).
		Bool("cache_hit", event.CacheHit)

	if event.ActorUsername != "" {
		e = e.Str("actor_username", event.ActorUsername)
	}
	if len(event.ActorRoles) > 0 {
		e = e.Strs("actor_roles", event.ActorRoles)
	}
	if event.Domain != "" {
		e = e.Str("domain", event.Domain)
	}
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	if event.Reason != "" {
		e = e.Str("reason", event.Reason)
	}
	if event.IPAddress != "" {
		e = e.Str("ip_address", event.IPAddress)
	}
	if event.SessionID != "" {
		e = e.Str("session_id", event.SessionID)
	}

	if event.Decision {
		e.Msg("authorization allowed")
	} else {
		e.Msg("authorization denied")
	}
}

// Close stops the writer after flushing queued events. Idempotent.
func (al *AuditLogger) Close() {
	if al == nil {
		return
	}
	al.stopOnce.Do(func() {
		close(al.stopChan)
	})
	al.wg.Wait()
}

// QueueDepth reports how many events are waiting to be written.
func (al *AuditLogger) QueueDepth() int {
	if al == nil {
		return 0
	}
	return len(al.events)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request id to the context for audit
// correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id from the context, or empty.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}
