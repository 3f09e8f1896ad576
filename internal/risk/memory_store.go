package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	current map[string]*Classification
	history []*TierChange
}

// NewMemoryStore creates an empty in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{current: make(map[string]*Classification)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Classification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.current[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Set(_ context.Context, c *Classification, from Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.current[c.UserID] = &cp
	m.history = append(m.history, &TierChange{
		UserID: c.UserID, From: from, To: c.Tier, Reason: c.Reason, ChangedAt: c.UpdatedAt,
	})
	return nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]*TierChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*TierChange{}
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].UserID == userID {
			cp := *m.history[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
