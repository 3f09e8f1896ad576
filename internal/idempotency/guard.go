package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/metrics"
)

// DefaultTTL is how long a claimed key suppresses duplicates.
const DefaultTTL = 24 * time.Hour

// Guard wraps a Store with the claim/replay/release protocol.
//
// Failure policy: claims fail closed (a store outage rejects the request)
// and read-only checks fail open (a store outage reports "not claimed").
type Guard struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGuard creates a guard over store. A non-positive ttl selects DefaultTTL.
func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// Key builds a namespaced key, e.g. Key("escrow.create", userID, clientKey).
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Claim atomically claims key. It returns false when an unexpired claim
// already exists.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	return g.claim(ctx, key, "")
}

func (g *Guard) claim(ctx context.Context, key, fingerprint string) (bool, error) {
	claimed, err := g.store.Claim(ctx, key, fingerprint, g.now(), g.ttl)
	if err != nil {
		metrics.IdempotencyClaimsTotal.WithLabelValues("error").Inc()
		g.logger.Error("idempotency claim failed", "key", key, "error", err)
		return false, apperr.Wrap(apperr.KindUnavailable, "idempotency.claim",
			"Request could not be processed safely, try again shortly", err)
	}
	if claimed {
		metrics.IdempotencyClaimsTotal.WithLabelValues("claimed").Inc()
	} else {
		metrics.IdempotencyClaimsTotal.WithLabelValues("duplicate").Inc()
	}
	return claimed, nil
}

// Release removes a claim so the operation may be retried.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.store.Release(ctx, key); err != nil {
		g.logger.Error("idempotency release failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Complete marks a claimed key as done and stores its result.
func (g *Guard) Complete(ctx context.Context, key string, result []byte) error {
	return g.store.Complete(ctx, key, result)
}

// IsClaimed reports whether key holds an unexpired claim. Store errors are
// logged and reported as not claimed.
func (g *Guard) IsClaimed(ctx context.Context, key string) bool {
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Warn("idempotency lookup failed, treating key as unclaimed", "key", key, "error", err)
		}
		return false
	}
	return !rec.Expired(g.now())
}

// Do runs fn at most once per key within the TTL.
//
// The first caller claims the key and runs fn. Its result is stored and
// later callers with the same key receive it with replayed=true. A caller
// arriving while the first is still running gets a conflict. If fn fails
// the claim is released and the error returned. A non-empty fingerprint
// that differs from the stored one is rejected as key reuse.
func (g *Guard) Do(ctx context.Context, key, fingerprint string, fn func(context.Context) ([]byte, error)) (result []byte, replayed bool, err error) {
	claimed, err := g.claim(ctx, key, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return g.replay(ctx, key, fingerprint)
	}

	result, err = fn(ctx)
	if err != nil {
		// The caller's context may already be done; the release must still land.
		_ = g.Release(context.WithoutCancel(ctx), key)
		return nil, false, err
	}

	if cerr := g.store.Complete(context.WithoutCancel(ctx), key, result); cerr != nil {
		// The work is done. Leaving the claim in flight makes retries
		// conflict until the TTL passes, which is safe.
		g.logger.Error("idempotency complete failed", "key", key, "error", cerr)
	}
	return result, false, nil
}

func (g *Guard) replay(ctx context.Context, key, fingerprint string) ([]byte, bool, error) {
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Released between our claim attempt and this read.
			return nil, false, apperr.New(apperr.KindConflict, "idempotency.replay",
				"A request with this idempotency key just failed, retry it")
		}
		return nil, false, apperr.Wrap(apperr.KindUnavailable, "idempotency.replay",
			"Request could not be processed safely, try again shortly", err)
	}
	if fingerprint != "" && rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		return nil, false, apperr.New(apperr.KindValidation, "idempotency.replay",
			"Idempotency key was already used with a different request")
	}
	if rec.Status != StatusCompleted {
		return nil, false, apperr.New(apperr.KindConflict, "idempotency.replay",
			"A request with this idempotency key is still in progress")
	}
	metrics.IdempotencyClaimsTotal.WithLabelValues("replayed").Inc()
	return rec.Result, true, nil
}

// Purge deletes expired records and returns how many were removed.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.store.PurgeExpired(ctx, g.now())
}
