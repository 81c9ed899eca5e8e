// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package authz

import (
	"sync"
	"time"

	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// decisionCache caches authorization decisions per
// (subject, domain, object, action). Expiry is checked lazily on read;
// a background sweep reclaims memory.
type decisionCache struct {
	ttl      time.Duration
	mu       sync.RWMutex
	items    map[string]*decisionItem
	stopChan chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

type decisionItem struct {
	decision  Decision
	timestamp time.Time
}

func newDecisionCache(ttl time.Duration) *decisionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &decisionCache{
		ttl:      ttl,
		items:    make(map[string]*decisionItem),
		stopChan: make(chan struct{}),
		nowFn:    time.Now,
	}
	go c.cleanup()
	return c
}

func (c *decisionCache) key(subject, domain, object, action string) string {
	return subject + "\x00" + domain + "\x00" + object + "\x00" + action
}

// get returns the cached decision. A stale entry is a miss, never a
// denial.
func (c *decisionCache) get(subject, domain, object, action string) (Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[c.key(subject, domain, object, action)]
	if !ok {
		metrics.CacheMissesTotal.WithLabelValues("authz").Inc()
		return Decision{}, false
	}
	if c.nowFn().Sub(item.timestamp) >= c.ttl {
		metrics.CacheMissesTotal.WithLabelValues("authz").Inc()
		return Decision{}, false
	}
	metrics.CacheHitsTotal.WithLabelValues("authz").Inc()
	return item.decision, true
}

// set always overwrites.
func (c *decisionCache) set(subject, domain, object, action string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.key(subject, domain, object, action)] = &decisionItem{
		decision:  d,
		timestamp: c.nowFn(),
	}
}

// invalidateSubject removes all cached decisions for one subject.
func (c *decisionCache) invalidateSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := subject + "\x00"
	for key := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.items, key)
		}
	}
}

// clear removes all cached decisions, used on policy reload.
func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*decisionItem)
}

func (c *decisionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *decisionCache) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.nowFn()
			for key, item := range c.items {
				if now.Sub(item.timestamp) >= c.ttl {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// stop halts the sweep goroutine. Idempotent.
func (c *decisionCache) stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}
