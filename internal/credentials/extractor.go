// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ziedak/neurotracker-auth/internal/cache"
	"github.com/ziedak/neurotracker-auth/internal/logging"
	"github.com/ziedak/neurotracker-auth/internal/metrics"
)

// Scheme is one credential source tried by the extractor. Credential
// reports whether the request carries this scheme's credential at all;
// Resolve verifies it against the backing store.
type Scheme interface {
	Name() string
	Priority() int
	Credential(rc *RequestContext) (string, bool)
	Resolve(ctx context.Context, credential string, rc *RequestContext) (*UserContext, error)
}

// Extractor resolves a UserContext by trying schemes in priority order.
// Each scheme's resolutions are cached under a hash of the credential,
// never the raw secret.
type Extractor struct {
	schemes []Scheme
	cache   cache.Cacher
	ttl     time.Duration
}

// NewExtractor builds the chain. Schemes are sorted by priority, lower
// first. ttl bounds how long a resolved identity may be reused without
// re-verification; it should match the authorization cache TTL.
func NewExtractor(c cache.Cacher, ttl time.Duration, schemes ...Scheme) *Extractor {
	e := &Extractor{
		schemes: append([]Scheme(nil), schemes...),
		cache:   c,
		ttl:     ttl,
	}
	sort.Slice(e.schemes, func(i, j int) bool {
		return e.schemes[i].Priority() < e.schemes[j].Priority()
	})
	return e
}

// Extract tries each scheme in order and returns the first resolved
// identity. A request carrying no recognized credential returns
// (nil, nil); the anonymous-access decision belongs to the caller.
// A credential that is present but invalid, expired or revoked is a
// fatal error; later schemes are not consulted.
func (e *Extractor) Extract(ctx context.Context, rc *RequestContext) (*UserContext, error) {
	for _, scheme := range e.schemes {
		cred, ok := scheme.Credential(rc)
		if !ok {
			continue
		}

		if user, hit := e.cached(scheme.Name(), cred); hit {
			metrics.CredentialCacheHits.WithLabelValues(scheme.Name()).Inc()
			metrics.CredentialExtractionsTotal.WithLabelValues(scheme.Name(), "success").Inc()
			rc.Identity = user
			return user, nil
		}

		user, err := scheme.Resolve(ctx, cred, rc)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				continue
			}
			metrics.CredentialExtractionsTotal.WithLabelValues(scheme.Name(), "failure").Inc()
			logging.Warn().Err(err).
				Str("scheme", scheme.Name()).
				Str("remote_addr", rc.RemoteAddr).
				Msg("credential resolution failed")
			return nil, err
		}

		e.store(scheme.Name(), cred, user)
		metrics.CredentialExtractionsTotal.WithLabelValues(scheme.Name(), "success").Inc()
		rc.Identity = user
		return user, nil
	}
	return nil, nil
}

// Invalidate drops any cached resolution of the given credential across
// all schemes, for use on logout and key revocation.
func (e *Extractor) Invalidate(credential string) {
	for _, scheme := range e.schemes {
		e.cache.Delete(cacheKey(scheme.Name(), credential))
	}
}

func (e *Extractor) cached(scheme, credential string) (*UserContext, bool) {
	raw, ok := e.cache.Get(cacheKey(scheme, credential))
	if !ok {
		return nil, false
	}
	data, ok := raw.([]byte)
	if !ok {
		return nil, false
	}
	var user UserContext
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, false
	}
	return &user, true
}

func (e *Extractor) store(scheme, credential string, user *UserContext) {
	data, err := json.Marshal(user)
	if err != nil {
		logging.Error().Err(err).Str("scheme", scheme).Msg("failed to encode identity for cache")
		return
	}
	e.cache.SetWithTTL(cacheKey(scheme, credential), data, e.ttl)
}

// cacheKey hashes the credential so raw secrets never appear as cache
// keys.
func cacheKey(scheme, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return fmt.Sprintf("cred:%s:%s", scheme, hex.EncodeToString(sum[:]))
}
