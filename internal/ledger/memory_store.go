package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. It mirrors
// the uniqueness rules the PostgreSQL schema enforces.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Append(_ context.Context, entries ...*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries)
}

func (m *MemoryStore) AppendDebit(_ context.Context, entry *Entry, floor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Amount >= 0 {
		return fmt.Errorf("%w: debit amount must be negative", ErrInvalidEntry)
	}
	if m.balanceLocked(entry.UserID)+entry.Amount < floor {
		return ErrInsufficientBalance
	}
	return m.appendLocked([]*Entry{entry})
}

func (m *MemoryStore) appendLocked(entries []*Entry) error {
	now := m.now()
	staged := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if err := prepare(e, now); err != nil {
			return err
		}
		for _, list := range [][]*Entry{m.entries, staged} {
			for _, other := range list {
				if conflicts(e, other) {
					return fmt.Errorf("%w: %s conflicts with entry %s", ErrDuplicateEntry, e.Type, other.ID)
				}
			}
		}
		staged = append(staged, e)
	}
	for _, e := range staged {
		cp := *e
		m.entries = append(m.entries, &cp)
	}
	return nil
}

// conflicts mirrors the unique indexes on ledger_entries.
func conflicts(a, b *Entry) bool {
	if a.ID == b.ID {
		return true
	}
	if a.ExternalRef != nil && b.ExternalRef != nil && a.Type == b.Type && *a.ExternalRef == *b.ExternalRef {
		return true
	}
	if a.BountyID == nil || b.BountyID == nil || *a.BountyID != *b.BountyID {
		return false
	}
	if a.Type.Settlement() && b.Type.Settlement() {
		return true
	}
	return a.Type == TypeEscrowHold && b.Type == TypeEscrowHold
}

func (m *MemoryStore) balanceLocked(userID string) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == StatusCompleted {
			sum += e.Amount
		}
	}
	return sum
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(userID), nil
}

func (m *MemoryStore) CreditVolumeSince(_ context.Context, userID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == StatusCompleted && e.Amount > 0 && !e.CreatedAt.Before(since) {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*Entry{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByBounty(_ context.Context, bountyID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Entry{}
	for _, e := range m.entries {
		if e.BountyID != nil && *e.BountyID == bountyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindByExternalRef(_ context.Context, typ EntryType, ref string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.Type == typ && e.ExternalRef != nil && *e.ExternalRef == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	users := []string{}
	for _, e := range m.entries {
		if _, ok := seen[e.UserID]; !ok {
			seen[e.UserID] = struct{}{}
			users = append(users, e.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

var _ Store = (*MemoryStore)(nil)
