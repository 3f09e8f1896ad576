package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Record
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Record)}
}

func (m *MemoryStore) Record(_ context.Context, evt *Event, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.events[evt.ID]; ok {
		r.Attempts++
		return nil
	}
	m.events[evt.ID] = &Record{
		EventID:    evt.ID,
		Type:       evt.Type,
		Payload:    append([]byte(nil), evt.Data...),
		CreatedAt:  evt.CreatedAt,
		Attempts:   1,
		ReceivedAt: receivedAt,
	}
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	r.Processed = true
	r.LastError = ""
	r.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, eventID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	r.LastError = msg
	return nil
}

func (m *MemoryStore) Get(_ context.Context, eventID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListUnprocessed(_ context.Context, receivedBefore time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.events {
		if !r.Processed && r.ReceivedAt.Before(receivedBefore) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ EventStore = (*MemoryStore)(nil)
