// Package idempotency suppresses duplicate processing of mutating requests
// and provider events.
//
// A key is claimed atomically before work starts. On success the result is
// stored against the key so a retry replays it; on failure the claim is
// released so the caller can try again. Claims expire after a TTL (24h by
// default), after which the key is treated as absent.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("idempotency record not found")

// Status of a claimed key.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// Record is a claimed idempotency key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Status      Status    `json:"status"`
	Result      []byte    `json:"-"`
	ClaimedAt   time.Time `json:"claimedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record no longer blocks a new claim.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Store persists idempotency records. Claim must be a single atomic
// compare-and-set: two concurrent claims of the same unexpired key must
// never both succeed.
type Store interface {
	// Claim inserts key as in-flight unless an unexpired record exists.
	// An expired record is taken over.
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (bool, error)
	// Complete marks key completed and stores result for replay.
	Complete(ctx context.Context, key string, result []byte) error
	// Release removes key so the operation can be retried.
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Record, error)
	// PurgeExpired deletes records that expired before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
