package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on the ledger_entries table. The table's
// trigger rejects UPDATE and DELETE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, user_id, bounty_id, type, amount, external_ref, status, metadata, created_at`

func (p *PostgresStore) Append(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		if err := prepare(e, now); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendDebit serializes debits per user with a transaction-scoped
// advisory lock, so the balance read and the insert cannot interleave with
// another debit for the same user.
func (p *PostgresStore) AppendDebit(ctx context.Context, entry *Entry, floor int64) error {
	if err := prepare(entry, time.Now().UTC()); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.UserID); err != nil {
		return fmt.Errorf("failed to lock balance: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND status = 'completed'`, entry.UserID,
	).Scan(&balance); err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance+entry.Amount < floor {
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.BountyID, string(e.Type), e.Amount, e.ExternalRef, string(e.Status), string(meta), e.CreatedAt,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps unique violations onto ErrDuplicateEntry.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, pqErr.Constraint)
	}
	return fmt.Errorf("failed to insert ledger entry: %w", err)
}

func (p *PostgresStore) Balance(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND status = 'completed'`, userID,
	).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) CreditVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE user_id = $1 AND status = 'completed' AND amount > 0 AND created_at >= $2`,
		userID, since,
	).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) ListByBounty(ctx context.Context, bountyID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE bounty_id = $1
		ORDER BY created_at, id`, bountyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) FindByExternalRef(ctx context.Context, typ EntryType, ref string) (*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE type = $1 AND external_ref = $2`, string(typ), ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM ledger_entries ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var bountyID, extRef sql.NullString
		var typ, status string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &bountyID, &typ, &e.Amount, &extRef, &status, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.Status = Status(status)
		if bountyID.Valid {
			e.BountyID = &bountyID.String
		}
		if extRef.Valid {
			e.ExternalRef = &extRef.String
		}
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
