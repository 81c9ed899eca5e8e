// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/logging"
)

// fakeServer scripts ListenAndServe and Shutdown behavior.
type fakeServer struct {
	listenErr   error
	block       chan struct{}
	shutdowns   atomic.Int32
	shutdownErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{block: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.block
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.block)
	return f.shutdownErr
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if srv.shutdowns.Load() != 1 {
		t.Fatalf("shutdowns = %d, want 1", srv.shutdowns.Load())
	}
}

func TestHTTPServiceSurfacesListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listenErr = errors.New("bind: address already in use")
	svc := NewHTTPService(srv, time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("err = %v, want wrapped listen error", err)
	}
}

// countingService counts its starts so restarts are observable.
type countingService struct {
	starts atomic.Int32
	fail   atomic.Bool
}

func (c *countingService) Serve(ctx context.Context) error {
	c.starts.Add(1)
	if c.fail.Load() {
		c.fail.Store(false)
		return errors.New("transient crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return "counting-service" }

func TestTreeRestartsCrashedCoreService(t *testing.T) {
	tree := NewTree(slog.New(logging.NewSlogHandler()), TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	svc := &countingService{}
	svc.fail.Store(true)
	tree.AddCoreService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && svc.starts.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.starts.Load() < 2 {
		t.Fatalf("starts = %d, want >= 2", svc.starts.Load())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeServesBothLayers(t *testing.T) {
	tree := NewTree(slog.New(logging.NewSlogHandler()), DefaultTreeConfig())

	core := &countingService{}
	api := &countingService{}
	tree.AddCoreService(core)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (core.starts.Load() == 0 || api.starts.Load() == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	if core.starts.Load() == 0 || api.starts.Load() == 0 {
		t.Fatalf("starts core=%d api=%d, want both > 0", core.starts.Load(), api.starts.Load())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}
