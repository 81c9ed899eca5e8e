// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

// Package cache provides the key/value TTL caches backing credential
// resolution. Two implementations exist: a process-local TTL map and a
// Badger-backed persistent cache. Callers that need persistence use
// NewWithFallback, which degrades to the in-memory cache when the Badger
// store cannot be opened.
package cache

import "time"

// Cacher is the interface shared by both cache implementations.
//
//	var c Cacher = New("identity", 5*time.Minute)
//	c.Set("key", value)
//	if v, ok := c.Get("key"); ok { ... }
type Cacher interface {
	// Get retrieves a value. Returns the value and true when present and
	// not expired; expired entries read as misses.
	Get(key string) (interface{}, bool)

	// Set stores a value with the default TTL.
	Set(key string, value interface{})

	// SetWithTTL stores a value with a custom TTL.
	SetWithTTL(key string, value interface{}, ttl time.Duration)

	// Delete removes a single entry.
	Delete(key string)

	// DeletePrefix removes all entries whose key starts with prefix.
	DeletePrefix(prefix string)

	// Clear removes all entries.
	Clear()

	// Stats returns a snapshot of cache counters.
	Stats() Stats

	// HitRate returns the hit rate as a percentage.
	HitRate() float64

	// Close releases backing resources. Idempotent.
	Close() error
}

// Stats is a snapshot of cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
}

// HitRate returns the hit percentage for the snapshot.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
