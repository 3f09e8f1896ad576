package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists received events in processed_webhook_events.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, evt *Event, receivedAt time.Time) error {
	payload := string(evt.Data)
	if payload == "" {
		payload = "{}"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, type, payload, event_created_at, attempts, received_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (event_id) DO UPDATE SET attempts = processed_webhook_events.attempts + 1`,
		evt.ID, evt.Type, payload, evt.CreatedAt, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE processed_webhook_events
		SET processed = TRUE, processed_at = $2, last_error = NULL
		WHERE event_id = $1`, eventID, at)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, eventID, msg string) error {
	return p.exec(ctx, `UPDATE processed_webhook_events SET last_error = $2 WHERE event_id = $1`, eventID, msg)
}

func (p *PostgresStore) exec(ctx context.Context, q string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

const recordColumns = `event_id, type, payload, event_created_at, processed, attempts, last_error, received_at, processed_at`

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM processed_webhook_events WHERE event_id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return r, err
}

func (p *PostgresStore) ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM processed_webhook_events
		WHERE NOT processed AND received_at < $1
		ORDER BY received_at
		LIMIT $2`, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var payload []byte
	var lastError sql.NullString
	var processedAt sql.NullTime
	err := s.Scan(&r.EventID, &r.Type, &payload, &r.CreatedAt, &r.Processed, &r.Attempts,
		&lastError, &r.ReceivedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.LastError = lastError.String
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	return r, nil
}

var _ EventStore = (*PostgresStore)(nil)
