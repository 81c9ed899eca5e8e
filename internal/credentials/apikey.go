// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// apiKeyPrefix marks NeuroTracker API keys.
	// Format: ntk_<base64url-key-id>_<base64url-secret>
	apiKeyPrefix = "ntk_"

	// apiKeySecretLength is the random secret portion in bytes.
	apiKeySecretLength = 32

	// apiKeyPrefixDisplayLength is how much of the key after the marker
	// is stored for lookup.
	apiKeyPrefixDisplayLength = 8

	// bcryptCost for key hashing. Keys are sha256'd first because bcrypt
	// truncates input at 72 bytes.
	bcryptCost = 12
)

// IsAPIKey reports whether a token string looks like an API key.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, apiKeyPrefix)
}

// HashAPIKey digests a plaintext key for storage.
func HashAPIKey(plaintext string) (string, error) {
	sha := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(sha[:], bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt failed: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey checks a plaintext key against a stored hash.
func VerifyAPIKey(plaintext, storedHash string) bool {
	sha := sha256.Sum256([]byte(plaintext))
	return bcrypt.CompareHashAndPassword([]byte(storedHash), sha[:]) == nil
}

// IssueAPIKey mints a key for a user and persists its record. The
// returned plaintext is shown once and never stored.
func IssueAPIKey(ctx context.Context, store APIKeyStore, userID, name string, scopes []string, ttl time.Duration) (*APIKey, string, error) {
	keyID := uuid.New().String()

	secretBytes := make([]byte, apiKeySecretLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	idEncoded := base64.RawURLEncoding.EncodeToString([]byte(keyID))
	plaintext := fmt.Sprintf("%s%s_%s", apiKeyPrefix, idEncoded, secret)

	hash, err := HashAPIKey(plaintext)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		ID:        keyID,
		UserID:    userID,
		Name:      name,
		Prefix:    keyDisplayPrefix(plaintext),
		Hash:      hash,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(ttl)
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}
	return key, plaintext, nil
}

func keyDisplayPrefix(plaintext string) string {
	n := len(apiKeyPrefix) + apiKeyPrefixDisplayLength
	if len(plaintext) < n {
		n = len(plaintext)
	}
	return plaintext[:n]
}

// APIKeyScheme authenticates bearer tokens in API-key format against an
// APIKeyStore, resolving the owning user through the directory.
type APIKeyScheme struct {
	keys  APIKeyStore
	users UserDirectory
	nowFn func() time.Time
}

// NewAPIKeyScheme builds the API key scheme.
func NewAPIKeyScheme(keys APIKeyStore, users UserDirectory) *APIKeyScheme {
	return &APIKeyScheme{keys: keys, users: users, nowFn: time.Now}
}

// Name identifies the scheme in logs and metrics.
func (s *APIKeyScheme) Name() string { return "api_key" }

// Priority orders the scheme in the chain. API keys are checked first.
func (s *APIKeyScheme) Priority() int { return 10 }

// Credential returns the bearer payload when it is in API-key format.
func (s *APIKeyScheme) Credential(rc *RequestContext) (string, bool) {
	tok, ok := rc.BearerToken()
	if !ok || !IsAPIKey(tok) {
		return "", false
	}
	return tok, true
}

// Resolve verifies the key and builds the identity of its owner.
func (s *APIKeyScheme) Resolve(ctx context.Context, credential string, _ *RequestContext) (*UserContext, error) {
	keys, err := s.keys.GetKeysByPrefix(ctx, keyDisplayPrefix(credential))
	if err != nil {
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	var match *APIKey
	for _, k := range keys {
		if VerifyAPIKey(credential, k.Hash) {
			match = k
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrInvalidCredentials)
	}
	if match.Revoked {
		return nil, fmt.Errorf("%w: api key %s", ErrRevokedCredentials, match.ID)
	}
	if match.Expired(s.nowFn()) {
		return nil, fmt.Errorf("%w: api key %s", ErrExpiredCredentials, match.ID)
	}

	user, err := s.users.GetUserByID(ctx, match.UserID)
	if err != nil {
		return nil, fmt.Errorf("api key owner lookup failed: %w", err)
	}
	if user.Disabled {
		return nil, fmt.Errorf("%w: user %s disabled", ErrRevokedCredentials, user.ID)
	}

	return &UserContext{
		ID:             user.ID,
		Username:       user.Username,
		Email:          user.Email,
		Roles:          user.Roles,
		Permissions:    append(append([]string(nil), user.Permissions...), match.Scopes...),
		StoreID:        user.StoreID,
		OrganizationID: user.OrganizationID,
		APIKeyID:       match.ID,
		AuthScheme:     s.Name(),
	}, nil
}

// MemoryAPIKeyStore is an in-process APIKeyStore for tests and
// single-node deployments.
type MemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryAPIKeyStore builds an empty store.
func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{keys: make(map[string]*APIKey)}
}

// GetKeysByPrefix returns all keys sharing a display prefix, ordered by
// creation time for deterministic matching.
func (m *MemoryAPIKeyStore) GetKeysByPrefix(_ context.Context, prefix string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, k := range m.keys {
		if k.Prefix == prefix {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateKey stores a key record.
func (m *MemoryAPIKeyStore) CreateKey(_ context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

// RevokeKey marks a key revoked.
func (m *MemoryAPIKeyStore) RevokeKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return fmt.Errorf("%w: api key %s", ErrInvalidCredentials, id)
	}
	k.Revoked = true
	return nil
}
