package payout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on the connect_accounts and payouts tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}

func (p *PostgresStore) SaveAccount(ctx context.Context, a *ConnectAccount) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO connect_accounts (user_id, external_account_id, payouts_enabled, details_submitted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			external_account_id = EXCLUDED.external_account_id,
			payouts_enabled = EXCLUDED.payouts_enabled,
			details_submitted = EXCLUDED.details_submitted,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		a.UserID, a.ExternalAccountID, a.PayoutsEnabled, a.DetailsSubmitted, a.UpdatedAt,
	).Scan(&a.CreatedAt)
	if uniqueViolation(err, "connect_accounts_external_account_id_key") {
		return ErrAccountTaken
	}
	if err != nil {
		return fmt.Errorf("failed to save connected account: %w", err)
	}
	return nil
}

func (p *PostgresStore) getAccount(ctx context.Context, where string, arg string) (*ConnectAccount, error) {
	a := &ConnectAccount{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, external_account_id, payouts_enabled, details_submitted, created_at, updated_at
		FROM connect_accounts WHERE `+where+` = $1`, arg,
	).Scan(&a.UserID, &a.ExternalAccountID, &a.PayoutsEnabled, &a.DetailsSubmitted, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*ConnectAccount, error) {
	return p.getAccount(ctx, "user_id", userID)
}

func (p *PostgresStore) GetAccountByExternalID(ctx context.Context, externalID string) (*ConnectAccount, error) {
	return p.getAccount(ctx, "external_account_id", externalID)
}

const payoutColumns = `id, user_id, amount, currency, destination_account_id, status,
	external_transfer_id, idempotency_key, ledger_entry_id, failure_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		po.ID, po.UserID, po.Amount, po.Currency, po.Destination, string(po.Status),
		po.ExternalTransferID, po.IdempotencyKey, po.LedgerEntryID, po.FailureReason, po.CreatedAt, po.UpdatedAt,
	)
	if uniqueViolation(err, "uq_payouts_user_idempotency_key") {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) getOne(ctx context.Context, where string, args ...interface{}) (*Payout, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	return p.getOne(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetByKey(ctx context.Context, userID, key string) (*Payout, error) {
	return p.getOne(ctx, `user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (p *PostgresStore) GetByTransfer(ctx context.Context, transferID string) (*Payout, error) {
	return p.getOne(ctx, `external_transfer_id = $1`, transferID)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	return p.query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Payout, error) {
	return p.query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`, string(status), updatedBefore, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, po *Payout, from ...Status) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE payouts SET
			status = $2,
			external_transfer_id = NULLIF($3, ''),
			ledger_entry_id = NULLIF($4, ''),
			failure_reason = NULLIF($5, ''),
			updated_at = $6
		WHERE id = $1 AND (cardinality($7::text[]) = 0 OR status = ANY($7))`,
		po.ID, string(po.Status), po.ExternalTransferID, po.LedgerEntryID, po.FailureReason, po.UpdatedAt,
		pq.Array(fromStrs),
	)
	if err != nil {
		return fmt.Errorf("failed to update payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, po.ID); err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var status string
	var transferID, ledgerEntryID, failure sql.NullString
	err := s.Scan(&po.ID, &po.UserID, &po.Amount, &po.Currency, &po.Destination, &status,
		&transferID, &po.IdempotencyKey, &ledgerEntryID, &failure, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		return nil, err
	}
	po.Status = Status(status)
	po.ExternalTransferID = transferID.String
	po.LedgerEntryID = ledgerEntryID.String
	po.FailureReason = failure.String
	return po, nil
}

var _ Store = (*PostgresStore)(nil)
