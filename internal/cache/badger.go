// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package cache

import (
	"errors"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// Badger is a persistent cache backed by a Badger key/value store. Values
// round-trip through JSON: Get always returns []byte, so callers store
// []byte (or values they are prepared to re-decode). TTL enforcement is
// delegated to Badger entry TTLs.
type Badger struct {
	name string
	ttl  time.Duration
	db   *badger.DB

	mu        sync.Mutex
	hits      int64
	misses    int64
	closeOnce sync.Once
}

// NewBadger opens (or creates) a Badger-backed cache at dir.
func NewBadger(name, dir string, ttl time.Duration) (*Badger, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{name: name, ttl: ttl, db: db}, nil
}

// NewWithFallback returns a persistent cache when dir is non-empty and the
// store opens, and otherwise falls back to the in-memory cache. The
// fallback is logged, never fatal: credential caching is an optimization,
// not a source of truth.
func NewWithFallback(name, dir string, ttl time.Duration) Cacher {
	if dir == "" {
		return New(name, ttl)
	}
	b, err := NewBadger(name, dir, ttl)
	if err != nil {
		logging.Warn().Err(err).Str("cache", name).Str("dir", dir).
			Msg("persistent cache unavailable, falling back to memory")
		return New(name, ttl)
	}
	return b
}

// Get retrieves a value as raw bytes.
func (b *Badger) Get(key string) (interface{}, bool) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Str("cache", b.name).Msg("cache read failed")
		}
		b.count(&b.misses)
		metrics.CacheMissesTotal.WithLabelValues(b.name).Inc()
		return nil, false
	}
	b.count(&b.hits)
	metrics.CacheHitsTotal.WithLabelValues(b.name).Inc()
	return value, true
}

// Set stores a value with the default TTL.
func (b *Badger) Set(key string, value interface{}) {
	b.SetWithTTL(key, value, b.ttl)
}

// SetWithTTL stores a value with a custom TTL.
func (b *Badger) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = b.ttl
	}
	data, err := encodeValue(value)
	if err != nil {
		logging.Warn().Err(err).Str("cache", b.name).Msg("cache value not serializable, skipping")
		return
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		logging.Warn().Err(err).Str("cache", b.name).Msg("cache write failed")
	}
}

// Delete removes a single entry.
func (b *Badger) Delete(key string) {
	_ = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// DeletePrefix removes all entries whose key starts with prefix.
func (b *Badger) DeletePrefix(prefix string) {
	if err := b.db.DropPrefix([]byte(prefix)); err != nil {
		logging.Warn().Err(err).Str("cache", b.name).Msg("prefix drop failed")
	}
}

// Clear removes all entries.
func (b *Badger) Clear() {
	if err := b.db.DropAll(); err != nil {
		logging.Warn().Err(err).Str("cache", b.name).Msg("cache clear failed")
	}
}

// Stats returns a snapshot of cache counters. Entry counts are not tracked
// for the persistent backend.
func (b *Badger) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Hits: b.hits, Misses: b.misses}
}

// HitRate returns the hit rate as a percentage.
func (b *Badger) HitRate() float64 {
	return b.Stats().HitRate()
}

// Close closes the underlying store. Idempotent.
func (b *Badger) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.db.Close()
	})
	return err
}

func (b *Badger) count(field *int64) {
	b.mu.Lock()
	*field++
	b.mu.Unlock()
}

// encodeValue turns a cache value into bytes. []byte and string pass
// through; everything else is JSON-encoded.
func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
