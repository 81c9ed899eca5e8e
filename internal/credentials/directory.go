// NeuroTracker Auth - Token Lifecycle and Policy Enforcement
// Copyright 2026 ziedak
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ziedak/neurotracker-auth

package credentials

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryDirectory is an in-process UserDirectory for tests and
// single-node deployments. Production deployments implement
// UserDirectory against their own user database.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*UserRecord
	byEmail map[string]*UserRecord
}

// NewMemoryDirectory builds an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:    make(map[string]*UserRecord),
		byEmail: make(map[string]*UserRecord),
	}
}

// Upsert adds or replaces a user record.
func (d *MemoryDirectory) Upsert(u *UserRecord) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidCredentials)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	if old, ok := d.byID[cp.ID]; ok && old.Email != "" {
		delete(d.byEmail, strings.ToLower(old.Email))
	}
	d.byID[cp.ID] = &cp
	if cp.Email != "" {
		d.byEmail[strings.ToLower(cp.Email)] = &cp
	}
	return nil
}

// GetUserByID returns a copy of the record.
func (d *MemoryDirectory) GetUserByID(_ context.Context, id string) (*UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown user %s", ErrInvalidCredentials, id)
	}
	cp := *u
	return &cp, nil
}

// GetUserByEmail returns a copy of the record. Lookup is
// case-insensitive.
func (d *MemoryDirectory) GetUserByEmail(_ context.Context, email string) (*UserRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown email", ErrInvalidCredentials)
	}
	cp := *u
	return &cp, nil
}
