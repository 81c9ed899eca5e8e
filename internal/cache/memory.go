// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// entry is a cached value with its expiry.
type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Memory is a thread-safe in-memory cache with per-entry TTL. Expiry is
// checked lazily on read; a background janitor additionally sweeps expired
// entries so abandoned keys do not accumulate.
type Memory struct {
	name string
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	hits      int64
	misses    int64
	evictions int64

	nowFn    func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates an in-memory cache. The name labels this cache's metrics.
func New(name string, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Memory{
		name:     name,
		ttl:      ttl,
		entries:  make(map[string]entry),
		nowFn:    time.Now,
		stopChan: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get retrieves a value; expired entries read as misses.
func (c *Memory) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.nowFn().After(e.expiresAt) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set stores a value with the default TTL.
func (c *Memory) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Memory) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.nowFn().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes a single entry.
func (c *Memory) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeletePrefix removes all entries whose key starts with prefix.
func (c *Memory) DeletePrefix(prefix string) {
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *Memory) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *Memory) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   int64(len(c.entries)),
	}
}

// HitRate returns the hit rate as a percentage.
func (c *Memory) HitRate() float64 {
	return c.Stats().HitRate()
}

// Close stops the janitor. Idempotent.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	return nil
}

// janitor periodically removes expired entries.
func (c *Memory) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			now := c.nowFn()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, key)
					c.evictions++
				}
			}
			c.mu.Unlock()
		}
	}
}
