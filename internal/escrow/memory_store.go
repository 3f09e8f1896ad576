package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Transition holds the mutex only for
// the compare-and-swap itself.
type MemoryStore struct {
	mu       sync.RWMutex
	bounties map[string]*Bounty
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory bounty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bounties: make(map[string]*Bounty), now: time.Now}
}

func clone(b *Bounty) *Bounty {
	cp := *b
	if b.HunterID != nil {
		cp.HunterID = optional(*b.HunterID)
	}
	if b.PaymentReference != nil {
		cp.PaymentReference = optional(*b.PaymentReference)
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, b *Bounty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounties[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bounties[id]
	if !ok {
		return nil, ErrBountyNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) list(match func(*Bounty) bool, limit int) []*Bounty {
	out := []*Bounty{}
	for _, b := range m.bounties {
		if match(b) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(b *Bounty) bool {
		return b.PosterID == userID || b.Hunter() == userID
	}, limit), nil
}

func (m *MemoryStore) ListByEscrowState(_ context.Context, state EscrowState, limit int) ([]*Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(b *Bounty) bool { return b.Escrow == state }, limit), nil
}

func (m *MemoryStore) ListSettled(_ context.Context, since time.Time, limit int) ([]*Bounty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(b *Bounty) bool {
		return b.Escrow.Terminal() && !b.UpdatedAt.Before(since)
	}, limit), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, u Update) (*Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bounties[id]
	if !ok {
		return nil, ErrBountyNotFound
	}
	if !u.matches(b) {
		return nil, ErrStaleState
	}
	u.apply(b, m.now())
	return clone(b), nil
}

var _ Store = (*MemoryStore)(nil)
