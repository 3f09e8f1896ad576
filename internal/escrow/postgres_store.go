package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists bounties in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed bounty store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bountyColumns = `id, poster_id, hunter_id, title, amount, currency, status, is_for_honor,
	escrow_state, funding_source, payment_reference, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Bounty) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bounties (`+bountyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)`,
		b.ID, b.PosterID, b.HunterID, b.Title, b.Amount, b.Currency, string(b.Status), b.IsForHonor,
		string(b.Escrow), string(b.Funding), b.PaymentReference, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bounty: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Bounty, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id)
	b, err := scanBounty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBountyNotFound
	}
	return b, err
}

func (p *PostgresStore) query(ctx context.Context, where string, args ...interface{}) ([]*Bounty, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Bounty{}
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Bounty, error) {
	return p.query(ctx, `poster_id = $1 OR hunter_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByEscrowState(ctx context.Context, state EscrowState, limit int) ([]*Bounty, error) {
	return p.query(ctx, `escrow_state = $1 ORDER BY created_at DESC LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) ListSettled(ctx context.Context, since time.Time, limit int) ([]*Bounty, error) {
	return p.query(ctx, `escrow_state IN ('released', 'refunded') AND updated_at >= $1
		ORDER BY updated_at DESC LIMIT $2`, since, limit)
}

// Transition is one conditional UPDATE. When it matches no row a second
// read tells a missing bounty apart from a lost race.
func (p *PostgresStore) Transition(ctx context.Context, id string, u Update) (*Bounty, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.ToStatus != "" {
		sets = append(sets, "status = "+arg(string(u.ToStatus)))
	}
	if u.ToEscrow != "" {
		sets = append(sets, "escrow_state = "+arg(string(u.ToEscrow)))
	}
	if u.Funding != nil {
		sets = append(sets, "funding_source = NULLIF("+arg(string(*u.Funding))+", '')")
	}
	if u.PaymentReference != nil {
		sets = append(sets, "payment_reference = NULLIF("+arg(*u.PaymentReference)+", '')")
	}
	if u.HunterID != nil {
		sets = append(sets, "hunter_id = NULLIF("+arg(*u.HunterID)+", '')")
	}

	where := []string{"id = $1"}
	if len(u.FromStatus) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(toStrings(u.FromStatus)))+")")
	}
	if len(u.FromEscrow) > 0 {
		where = append(where, "escrow_state = ANY("+arg(pq.Array(toStrings(u.FromEscrow)))+")")
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE bounties SET `+strings.Join(sets, ", ")+`
		WHERE `+strings.Join(where, " AND ")+`
		RETURNING `+bountyColumns, args...)
	b, err := scanBounty(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition bounty: %w", err)
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bounties WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrBountyNotFound
	}
	return nil, ErrStaleState
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBounty(s scanner) (*Bounty, error) {
	b := &Bounty{}
	var hunter, funding, ref sql.NullString
	var status, escrowState string
	err := s.Scan(&b.ID, &b.PosterID, &hunter, &b.Title, &b.Amount, &b.Currency, &status, &b.IsForHonor,
		&escrowState, &funding, &ref, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.Escrow = EscrowState(escrowState)
	b.Funding = FundingSource(funding.String)
	if hunter.Valid {
		b.HunterID = &hunter.String
	}
	if ref.Valid {
		b.PaymentReference = &ref.String
	}
	return b, nil
}

var _ Store = (*PostgresStore)(nil)
