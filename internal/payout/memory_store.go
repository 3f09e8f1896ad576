package payout

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*ConnectAccount
	payouts  map[string]*Payout
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*ConnectAccount),
		payouts:  make(map[string]*Payout),
	}
}

func (m *MemoryStore) SaveAccount(_ context.Context, a *ConnectAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.accounts {
		if other.ExternalAccountID == a.ExternalAccountID && other.UserID != a.UserID {
			return ErrAccountTaken
		}
	}
	if prev, ok := m.accounts[a.UserID]; ok {
		a.CreatedAt = prev.CreatedAt
	}
	cp := *a
	m.accounts[a.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, userID string) (*ConnectAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccountByExternalID(_ context.Context, externalID string) (*ConnectAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.ExternalAccountID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) Create(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.payouts {
		if other.UserID == p.UserID && other.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) find(match func(*Payout) bool) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payouts {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPayoutNotFound
}

func (m *MemoryStore) GetByKey(_ context.Context, userID, key string) (*Payout, error) {
	return m.find(func(p *Payout) bool { return p.UserID == userID && p.IdempotencyKey == key })
}

func (m *MemoryStore) GetByTransfer(_ context.Context, transferID string) (*Payout, error) {
	return m.find(func(p *Payout) bool { return transferID != "" && p.ExternalTransferID == transferID })
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payout
	for _, p := range m.payouts {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, updatedBefore time.Time, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payout
	for _, p := range m.payouts {
		if p.Status == status && p.UpdatedAt.Before(updatedBefore) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Payout, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payouts[p.ID]
	if !ok {
		return ErrPayoutNotFound
	}
	if len(from) > 0 && !slices.Contains(from, cur.Status) {
		return ErrStaleState
	}
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
