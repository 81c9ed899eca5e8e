// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ziedak/neurotracker-auth/internal/refresh"
	"github.com/ziedak/neurotracker-auth/internal/token"
)

// fakeEvents is a hand-cranked event source.
type fakeEvents struct {
	handler refresh.Handler
	removed bool
}

func (f *fakeEvents) OnRefreshEvent(h refresh.Handler) int { f.handler = h; return 7 }
func (f *fakeEvents) RemoveRefreshEventHandler(id int)     { f.removed = true }

func (f *fakeEvents) emit(ev refresh.Event) { f.handler(ev) }

// startBridge runs the bridge and an HTTP server around it, returning a
// dialer-ready URL. Everything shuts down via t.Cleanup.
func startBridge(t *testing.T) (*Bridge, *fakeEvents, string) {
	t.Helper()

	events := &fakeEvents{}
	bridge := NewBridge(events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, func() bool { return bridge.isRunning() })

	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)

	return bridge, events, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func dialSession(t *testing.T, url, sessionID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?session_id="+sessionID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTokenRefreshedFrameDelivered(t *testing.T) {
	bridge, events, url := startBridge(t)
	conn := dialSession(t, url, "s1")
	waitFor(t, func() bool { return bridge.ClientCount() == 1 })

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	events.emit(refresh.Event{
		Type:      refresh.EventRefreshSuccess,
		SessionID: "s1",
		Token:     &token.ManagedToken{AccessToken: "rotated", ExpiresAt: expires},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string    `json:"type"`
		Data TokenData `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypeTokenRefreshed {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.Data.AccessToken != "rotated" || msg.Data.SessionID != "s1" {
		t.Fatalf("unexpected payload: %+v", msg.Data)
	}
	if !msg.Data.ExpiresAt.Equal(expires) {
		t.Fatalf("expires = %v, want %v", msg.Data.ExpiresAt, expires)
	}
}

func TestFramesOnlyReachBoundSession(t *testing.T) {
	bridge, events, url := startBridge(t)
	connOther := dialSession(t, url, "other")
	waitFor(t, func() bool { return bridge.ClientCount() == 1 })

	events.emit(refresh.Event{
		Type:      refresh.EventRefreshSuccess,
		SessionID: "s1",
		Token:     &token.ManagedToken{AccessToken: "rotated", ExpiresAt: time.Now().Add(time.Hour)},
	})

	_ = connOther.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg Message
	if err := connOther.ReadJSON(&msg); err == nil {
		t.Fatalf("unbound session received frame %+v", msg)
	}
}

func TestSessionRemovedClosesWithPolicyCode(t *testing.T) {
	bridge, events, url := startBridge(t)
	conn := dialSession(t, url, "s1")
	waitFor(t, func() bool { return bridge.ClientCount() == 1 })

	events.emit(refresh.Event{
		Type:      refresh.EventSessionRemoved,
		SessionID: "s1",
		Reason:    token.ReasonRefreshTokenExpired,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if closeErr.Text != token.ReasonRefreshTokenExpired {
		t.Fatalf("close reason = %q", closeErr.Text)
	}
	waitFor(t, func() bool { return bridge.ClientCount() == 0 })
}

func TestPingGetsPong(t *testing.T) {
	bridge, _, url := startBridge(t)
	conn := dialSession(t, url, "s1")
	waitFor(t, func() bool { return bridge.ClientCount() == 1 })

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Fatalf("type = %q", msg.Type)
	}
}

func TestBindRequiresSession(t *testing.T) {
	_, _, url := startBridge(t)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	resp, err := http.Get(httpURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestShutdownClosesClientsAndUnsubscribes(t *testing.T) {
	events := &fakeEvents{}
	bridge := NewBridge(events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Serve(ctx)
	}()
	waitFor(t, func() bool { return bridge.isRunning() })

	srv := httptest.NewServer(bridge)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dialSession(t, url, "s1")
	waitFor(t, func() bool { return bridge.ClientCount() == 1 })

	cancel()
	<-done

	if !events.removed {
		t.Fatal("expected event subscription removal")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected closed connection")
	}
	if bridge.ClientCount() != 0 {
		t.Fatalf("clients = %d, want 0", bridge.ClientCount())
	}
}

func TestBindAndUnbindFailFastOnStoppedBridge(t *testing.T) {
	bridge := NewBridge(&fakeEvents{})
	c := newClient(bridge, nil, "s1")

	// Never started: both sends must bail out instead of blocking on
	// the loop channels.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		if bridge.bind(c) {
			t.Error("bind succeeded on a bridge that never started")
		}
		bridge.unbind(c)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("bind/unbind blocked with no fan-out loop running")
	}
}

func TestUnbindAfterShutdownDoesNotBlock(t *testing.T) {
	events := &fakeEvents{}
	bridge := NewBridge(events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Serve(ctx)
	}()
	waitFor(t, func() bool { return bridge.isRunning() })

	cancel()
	<-done

	c := newClient(bridge, nil, "s1")
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		bridge.unbind(c)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("unbind blocked after the bridge stopped")
	}
}
