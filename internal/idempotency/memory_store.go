package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex makes Claim atomic within one process; it offers no protection
// across instances, so multi-instance deployments must use PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok && !existing.Expired(now) {
		return false, nil
	}
	s.records[key] = &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInFlight,
		ClaimedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusCompleted
	rec.Result = append([]byte(nil), result...)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Result = append([]byte(nil), rec.Result...)
	return &cp, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.records {
		if rec.Expired(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
