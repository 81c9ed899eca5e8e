// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package refresh

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// Serve runs the periodic refresh monitor until the context is canceled
// or the manager is closed. It is a suture-compatible service: per-sweep
// failures are logged and never returned.
//
// The monitor is a safety net behind the per-session timers. A sweep
// picks up sessions whose timers were lost (clock jumps, timer starvation
// under load) and sessions that entered the window between timer re-arms.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshCheckInterval)
	defer ticker.Stop()

	logging.Info().
		Dur("interval", m.cfg.RefreshCheckInterval).
		Int("batch_size", m.cfg.RefreshBatchSize).
		Msg("token refresh monitor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopChan:
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// String names the service in supervisor logs.
func (m *Manager) String() string {
	return "token-refresh-manager"
}

// sweep refreshes every session currently inside its window, in bounded
// batches paced to avoid a thundering herd against the identity provider.
func (m *Manager) sweep(ctx context.Context) {
	due := m.store.SessionsNeedingRefresh()
	if len(due) == 0 {
		return
	}

	metrics.TokenRefreshBatchSize.Observe(float64(len(due)))
	logging.Debug().Int("sessions", len(due)).Msg("refresh sweep starting")

	limiter := rate.NewLimiter(rate.Every(m.cfg.BatchPause), 1)
	for start := 0; start < len(due); start += m.cfg.RefreshBatchSize {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-m.stopChan:
			return
		default:
		}

		end := start + m.cfg.RefreshBatchSize
		if end > len(due) {
			end = len(due)
		}

		var wg sync.WaitGroup
		for _, sessionID := range due[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				refreshCtx, cancel := context.WithTimeout(ctx, m.cfg.RefreshBuffer)
				defer cancel()
				if _, err := m.performRefresh(refreshCtx, id); err != nil {
					logging.Warn().Err(err).Str("session_id", id).Msg("sweep refresh failed")
				}
			}(sessionID)
		}
		wg.Wait()
	}
}
