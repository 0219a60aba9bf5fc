// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package identity

import (
	"context"
	"sync"

	"go.mau.fi/util/jsontime"
)

// Registration is the configured identity server and the token issued by it.
// Token is empty until a registration has completed.
type Registration struct {
	ServerURL    string             `json:"server_url"`
	Token        string             `json:"token,omitempty"`
	RegisteredAt jsontime.UnixMilli `json:"registered_at,omitempty"`
}

// Store persists the identity server registration of one account.
type Store interface {
	// GetRegistration returns the current registration, or nil if no identity server is configured.
	GetRegistration(ctx context.Context) (*Registration, error)
	PutRegistration(ctx context.Context, reg *Registration) error
	DeleteRegistration(ctx context.Context) error
}

// MemoryStore is a Store that keeps the registration in memory.
type MemoryStore struct {
	lock sync.RWMutex
	reg  *Registration
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) GetRegistration(_ context.Context) (*Registration, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	if ms.reg == nil {
		return nil, nil
	}
	reg := *ms.reg
	return &reg, nil
}

func (ms *MemoryStore) PutRegistration(_ context.Context, reg *Registration) error {
	ms.lock.Lock()
	copied := *reg
	ms.reg = &copied
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) DeleteRegistration(_ context.Context) error {
	ms.lock.Lock()
	ms.reg = nil
	ms.lock.Unlock()
	return nil
}
