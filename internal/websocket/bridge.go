// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package websocket bridges refresh lifecycle events to session-bound
// connections. A client binds its connection to one managed session;
// refreshed tokens are pushed as frames, and a removed session closes
// the connection with a policy close code.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ziedak/neurotracker-auth/internal/authz"
	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/metrics"
	"github.com/ziedak/neurotracker-auth/internal/refresh"
)

// Frame types pushed to clients.
const (
	MessageTypeTokenRefreshed = "token_refreshed"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// Message is one websocket frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// TokenData is the payload of a token_refreshed frame. The refresh token
// is never pushed over the wire.
type TokenData struct {
	SessionID   string    `json:"session_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// EventSource is the refresh manager surface the bridge consumes.
type EventSource interface {
	OnRefreshEvent(refresh.Handler) int
	RemoveRefreshEventHandler(int)
}

// Bridge fans refresh events out to session-bound clients. It implements
// suture.Service; connections are only accepted while Serve runs.
type Bridge struct {
	events EventSource

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*client]struct{}
	running  bool
	done     chan struct{}

	register   chan *client
	unregister chan *client
	eventCh    chan refresh.Event
}

// NewBridge creates a bridge consuming events from the given source.
func NewBridge(events EventSource) *Bridge {
	// Pre-closed so that clients racing a not-yet-started bridge fail
	// fast instead of blocking on the register channel.
	done := make(chan struct{})
	close(done)
	return &Bridge{
		done: done,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the CORS layer in front of this
			// handler.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:   make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		eventCh:    make(chan refresh.Event, 256),
	}
}

// Serve subscribes to refresh events and runs the fan-out loop until the
// context is canceled. All clients are closed on shutdown.
func (b *Bridge) Serve(ctx context.Context) error {
	subID := b.events.OnRefreshEvent(b.enqueue)
	defer b.events.RemoveRefreshEventHandler(subID)

	b.markStarted()
	defer b.markStopped()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Int("clients", b.ClientCount()).Msg("websocket bridge shutting down")
			return ctx.Err()

		case c := <-b.register:
			b.add(c)

		case c := <-b.unregister:
			b.remove(c)

		case ev := <-b.eventCh:
			b.dispatch(ev)
		}
	}
}

// String identifies the bridge in supervisor logs.
func (b *Bridge) String() string {
	return "websocket-bridge"
}

// enqueue hands an event to the fan-out loop. Events are dropped rather
// than blocking the refresh manager's emit path.
func (b *Bridge) enqueue(ev refresh.Event) {
	select {
	case b.eventCh <- ev:
	default:
		logging.Warn().
			Str("event", string(ev.Type)).
			Str("session_id", ev.SessionID).
			Msg("websocket event dropped, bridge backlogged")
	}
}

// ServeHTTP upgrades the request and binds the connection to the
// caller's session. The session comes from the authenticated identity,
// with a session_id query parameter as the unauthenticated fallback.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := ""
	if user := authz.IdentityFrom(r.Context()); user != nil {
		sessionID = user.SessionID
	}
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		http.Error(w, "session binding required", http.StatusBadRequest)
		return
	}
	if !b.isRunning() {
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(b, conn, sessionID)
	if !b.bind(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// bind hands the client to the fan-out loop. It fails when the bridge
// stopped between the availability check and the upgrade.
func (b *Bridge) bind(c *client) bool {
	select {
	case b.register <- c:
		return true
	case <-b.doneCh():
		return false
	}
}

// unbind returns the client to the fan-out loop for removal. A stopped
// bridge has already closed everything, so the send is abandoned.
func (b *Bridge) unbind(c *client) {
	select {
	case b.unregister <- c:
	case <-b.doneCh():
	}
}

// dispatch routes one refresh event to the clients of its session.
func (b *Bridge) dispatch(ev refresh.Event) {
	switch ev.Type {
	case refresh.EventRefreshSuccess:
		if ev.Token == nil {
			return
		}
		b.sendToSession(ev.SessionID, Message{
			Type: MessageTypeTokenRefreshed,
			Data: TokenData{
				SessionID:   ev.SessionID,
				AccessToken: ev.Token.AccessToken,
				ExpiresAt:   ev.Token.ExpiresAt,
			},
		})

	case refresh.EventSessionRemoved:
		b.closeSession(ev.SessionID, ev.Reason)
	}
}

// sendToSession queues a frame on every client bound to the session.
func (b *Bridge) sendToSession(sessionID string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.sessions[sessionID] {
		select {
		case c.send <- msg:
		default:
			// Slow consumer; the write pump will notice the closed
			// connection and unregister it.
			logging.Warn().Str("session_id", sessionID).Msg("websocket client backlogged, frame dropped")
		}
	}
}

// closeSession closes every client of the session with a policy close
// code carrying the removal reason.
func (b *Bridge) closeSession(sessionID, reason string) {
	b.mu.Lock()
	clients := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	for c := range clients {
		c.closeWithPolicy(reason)
		metrics.WebSocketSessions.Dec()
	}
}

func (b *Bridge) add(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[c.sessionID] == nil {
		b.sessions[c.sessionID] = make(map[*client]struct{})
	}
	b.sessions[c.sessionID][c] = struct{}{}
	metrics.WebSocketSessions.Inc()
	logging.Info().Str("session_id", c.sessionID).Msg("websocket client bound")
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients, ok := b.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, bound := clients[c]; !bound {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(b.sessions, c.sessionID)
	}
	close(c.send)
	metrics.WebSocketSessions.Dec()
	logging.Info().Str("session_id", c.sessionID).Msg("websocket client unbound")
}

// closeAll disconnects every client, used on shutdown.
func (b *Bridge) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, clients := range b.sessions {
		for c := range clients {
			c.closeWithPolicy("server shutting down")
			metrics.WebSocketSessions.Dec()
		}
		delete(b.sessions, sessionID)
	}
}

// ClientCount reports currently bound connections.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, clients := range b.sessions {
		n += len(clients)
	}
	return n
}

func (b *Bridge) markStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = true
	b.done = make(chan struct{})
}

func (b *Bridge) markStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		b.running = false
		close(b.done)
	}
}

func (b *Bridge) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *Bridge) doneCh() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.done
}
