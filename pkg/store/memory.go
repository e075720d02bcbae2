// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	userID   string
	platform string
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	states   map[recordKey]BridgeStateRecord
	accounts map[recordKey]AccountRecord
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:   make(map[recordKey]BridgeStateRecord),
		accounts: make(map[recordKey]AccountRecord),
	}
}

func (m *Memory) UpsertBridgeState(_ context.Context, rec *BridgeStateRecord) error {
	if err := validateKey(rec.UserID, rec.Platform); err != nil {
		return err
	}
	cp := *rec
	if rec.Error != nil {
		msg := *rec.Error
		cp.Error = &msg
	}
	m.mu.Lock()
	m.states[recordKey{rec.UserID, rec.Platform}] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetBridgeState(_ context.Context, userID, platform string) (*BridgeStateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.states[recordKey{userID, platform}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) UpsertAccount(_ context.Context, rec *AccountRecord) error {
	if err := validateKey(rec.UserID, rec.Platform); err != nil {
		return err
	}
	cp := *rec
	cp.Credentials = cloneCredentials(rec.Credentials)
	m.mu.Lock()
	m.accounts[recordKey{rec.UserID, rec.Platform}] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetAccount(_ context.Context, userID, platform string) (*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[recordKey{userID, platform}]
	if !ok {
		return nil, nil
	}
	rec.Credentials = cloneCredentials(rec.Credentials)
	return &rec, nil
}

func (m *Memory) ListAccounts(_ context.Context, userID string) ([]*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AccountRecord
	for key, rec := range m.accounts {
		if key.userID != userID {
			continue
		}
		rec.Credentials = cloneCredentials(rec.Credentials)
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}
