package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore keeps idempotency records in the idempotency_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim is one statement: the insert wins outright, or the upsert takes over
// an expired row. A live row makes the WHERE false and zero rows change.
func (p *PostgresStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, result, claimed_at, expires_at)
		VALUES ($1, $2, 'in_flight', NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			status      = 'in_flight',
			result      = NULL,
			claimed_at  = EXCLUDED.claimed_at,
			expires_at  = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.claimed_at`,
		key, fingerprint, now, now.Add(ttl),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, result []byte) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = 'completed', result = $2
		WHERE key = $1`, key, result)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT key, fingerprint, status, result, claimed_at, expires_at
		FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.Fingerprint, &status, &rec.Result, &rec.ClaimedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Store = (*PostgresStore)(nil)
