// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package refresh

import (
	"sync"

	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/token"
)

// EventType discriminates refresh lifecycle events.
type EventType string

const (
	// EventRefreshSuccess carries the new token after a successful refresh.
	EventRefreshSuccess EventType = "refresh_success"

	// EventRefreshFailed reports one failed attempt with attempts left.
	EventRefreshFailed EventType = "refresh_failed"

	// EventRefreshExpired reports a dead refresh token (terminal).
	EventRefreshExpired EventType = "refresh_expired"

	// EventSessionRemoved reports session eviction with its reason.
	EventSessionRemoved EventType = "session_removed"
)

// Event is the tagged union delivered to subscribers. Fields beyond Type
// and SessionID are populated per event type.
type Event struct {
	Type      EventType
	SessionID string

	// Token is the refreshed token pair (EventRefreshSuccess).
	Token *token.ManagedToken

	// Err is the attempt error (EventRefreshFailed).
	Err error

	// AttemptsLeft is how many attempts remain (EventRefreshFailed).
	AttemptsLeft int

	// Reason explains expiry or removal
	// (EventRefreshExpired, EventSessionRemoved).
	Reason string
}

// Handler consumes refresh events. Handlers run synchronously on the
// emitting goroutine; a panicking handler is isolated and logged, it
// cannot affect the emitter or other handlers.
type Handler func(Event)

// handlerRegistry is the subscriber list shared by the manager.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[int]Handler)}
}

// add registers a handler and returns its subscription id.
func (r *handlerRegistry) add(h Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	return id
}

// remove drops the handler with the given subscription id.
func (r *handlerRegistry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// clear drops all handlers.
func (r *handlerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[int]Handler)
}

// emit dispatches the event to every handler, isolating panics so one
// failing subscriber cannot starve the rest.
func (r *handlerRegistry) emit(ev Event) {
	r.mu.RLock()
	snapshot := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		r.dispatch(h, ev)
	}
}

func (r *handlerRegistry) dispatch(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().
				Interface("panic", rec).
				Str("event", string(ev.Type)).
				Str("session_id", ev.SessionID).
				Msg("refresh event handler panicked")
		}
	}()
	h(ev)
}
