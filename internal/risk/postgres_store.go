package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists risk tiers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Classification, error) {
	c := &Classification{}
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tier, reason, updated_at
		FROM risk_classifications WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &tier, &c.Reason, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Tier = Tier(tier)
	return c, nil
}

func (s *PostgresStore) Set(ctx context.Context, c *Classification, from Tier) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_classifications (user_id, tier, reason, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		c.UserID, string(c.Tier), c.Reason, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to set risk tier: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_tier_changes (user_id, from_tier, to_tier, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.UserID, string(from), string(c.Tier), c.Reason, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to record tier change: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*TierChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, from_tier, to_tier, reason, changed_at
		FROM risk_tier_changes WHERE user_id = $1
		ORDER BY changed_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*TierChange{}
	for rows.Next() {
		tc := &TierChange{}
		var from, to string
		if err := rows.Scan(&tc.UserID, &from, &to, &tc.Reason, &tc.ChangedAt); err != nil {
			return nil, err
		}
		tc.From, tc.To = Tier(from), Tier(to)
		out = append(out, tc)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
