// Package ledger is the append-only record of money movements. A user's
// balance is never stored; it is the sum of their completed entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/metrics"
)

var (
	ErrInvalidEntry        = errors.New("invalid ledger entry")
	ErrDuplicateEntry      = errors.New("ledger entry already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("ledger entry not found")
	ErrSettlementMismatch  = errors.New("bounty settlement count mismatch")
)

// EntryType classifies a money movement.
type EntryType string

const (
	TypeDeposit     EntryType = "deposit"
	TypeWithdrawal  EntryType = "withdrawal"
	TypeEscrowHold  EntryType = "escrow_hold"
	TypeRelease     EntryType = "release"
	TypeRefund      EntryType = "refund"
	TypePlatformFee EntryType = "platform_fee"
)

// Credit reports whether entries of this type add to a balance.
func (t EntryType) Credit() bool {
	switch t {
	case TypeDeposit, TypeRelease, TypeRefund, TypePlatformFee:
		return true
	}
	return false
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t.Credit() || t == TypeWithdrawal || t == TypeEscrowHold
}

// Settlement reports whether t closes out a bounty's escrow.
func (t EntryType) Settlement() bool {
	return t == TypeRelease || t == TypeRefund
}

// Status of an entry. Only completed entries count toward a balance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one signed movement of money for one user.
type Entry struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	BountyID    *string           `json:"bountyId,omitempty"`
	Type        EntryType         `json:"type"`
	Amount      int64             `json:"amount"`
	ExternalRef *string           `json:"externalRef,omitempty"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Validate checks the sign rule: credits are positive, debits negative.
func (e *Entry) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	if e.Type.Credit() && e.Amount <= 0 {
		return fmt.Errorf("%w: %s amount must be positive, got %d", ErrInvalidEntry, e.Type, e.Amount)
	}
	if !e.Type.Credit() && e.Amount >= 0 {
		return fmt.Errorf("%w: %s amount must be negative, got %d", ErrInvalidEntry, e.Type, e.Amount)
	}
	switch e.Status {
	case "", StatusPending, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// prepare validates e and fills defaults before it is stored.
func prepare(e *Entry, now time.Time) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.Status == "" {
		e.Status = StatusCompleted
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return nil
}

// Ref returns a pointer to s, or nil for the empty string.
func Ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Store persists entries. There is no update or delete.
type Store interface {
	// Append inserts entries atomically: all or none.
	Append(ctx context.Context, entries ...*Entry) error

	// AppendDebit inserts a debit entry only if the user's balance after
	// it stays at or above floor. The check and insert are atomic.
	AppendDebit(ctx context.Context, entry *Entry, floor int64) error

	Balance(ctx context.Context, userID string) (int64, error)
	CreditVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Entry, error)
	ListByBounty(ctx context.Context, bountyID string) ([]*Entry, error)
	FindByExternalRef(ctx context.Context, typ EntryType, ref string) (*Entry, error)
	ListUsers(ctx context.Context) ([]string, error)
}

// Ledger wraps a Store with logging, metrics and duplicate handling.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Append writes entries atomically.
func (l *Ledger) Append(ctx context.Context, entries ...*Entry) error {
	if err := l.store.Append(ctx, entries...); err != nil {
		return l.appendFailed(entries, err)
	}
	l.appended(ctx, entries...)
	return nil
}

// AppendDebit writes a debit if the resulting balance stays at or above floor.
func (l *Ledger) AppendDebit(ctx context.Context, entry *Entry, floor int64) error {
	if err := l.store.AppendDebit(ctx, entry, floor); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return apperr.Wrap(apperr.KindInsufficientFunds, "ledger.debit", "Insufficient available balance", err)
		}
		return l.appendFailed([]*Entry{entry}, err)
	}
	l.appended(ctx, entry)
	return nil
}

func (l *Ledger) appendFailed(entries []*Entry, err error) error {
	switch {
	case errors.Is(err, ErrDuplicateEntry):
		metrics.LedgerDuplicatesTotal.Inc()
		return err
	case errors.Is(err, ErrInvalidEntry):
		return apperr.Wrap(apperr.KindValidation, "ledger.append", "Invalid ledger entry", err)
	}
	l.logger.Error("ledger append failed", "entries", len(entries), "error", err)
	return err
}

func (l *Ledger) appended(ctx context.Context, entries ...*Entry) {
	for _, e := range entries {
		metrics.LedgerEntriesTotal.WithLabelValues(string(e.Type)).Inc()
		l.logger.InfoContext(ctx, "ledger entry appended",
			"entry_id", e.ID, "user_id", e.UserID, "type", e.Type,
			"amount", e.Amount, "bounty_id", deref(e.BountyID), "external_ref", deref(e.ExternalRef))
	}
}

// Balance returns the sum of the user's completed entries.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// History returns the user's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListByUser(ctx, userID, limit, offset)
}

// Exists reports whether an entry of typ with the external reference exists.
func (l *Ledger) Exists(ctx context.Context, typ EntryType, ref string) (bool, error) {
	_, err := l.store.FindByExternalRef(ctx, typ, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindByExternalRef returns the entry of typ carrying ref, or ErrNotFound.
func (l *Ledger) FindByExternalRef(ctx context.Context, typ EntryType, ref string) (*Entry, error) {
	return l.store.FindByExternalRef(ctx, typ, ref)
}

// RecordDeposit credits a confirmed external payment once per reference.
// created is false when the deposit was already recorded.
func (l *Ledger) RecordDeposit(ctx context.Context, userID string, amount int64, externalRef string, meta map[string]string) (entry *Entry, created bool, err error) {
	if externalRef == "" {
		return nil, false, apperr.New(apperr.KindValidation, "ledger.deposit", "Deposit requires an external reference")
	}
	existing, err := l.store.FindByExternalRef(ctx, TypeDeposit, externalRef)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	entry = &Entry{
		UserID:      userID,
		Type:        TypeDeposit,
		Amount:      amount,
		ExternalRef: Ref(externalRef),
		Metadata:    meta,
	}
	if err := l.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			// Lost a race with a concurrent delivery of the same payment.
			existing, ferr := l.store.FindByExternalRef(ctx, TypeDeposit, externalRef)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

// HasHold reports whether the bounty has an escrow_hold entry.
func (l *Ledger) HasHold(ctx context.Context, bountyID string) (bool, error) {
	entries, err := l.store.ListByBounty(ctx, bountyID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Type == TypeEscrowHold {
			return true, nil
		}
	}
	return false, nil
}

// VerifySettlements checks that a terminal bounty has exactly one release
// or refund entry.
func (l *Ledger) VerifySettlements(ctx context.Context, bountyID string) error {
	entries, err := l.store.ListByBounty(ctx, bountyID)
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if e.Type.Settlement() && e.Status == StatusCompleted {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: bounty %s has %d settlement entries", ErrSettlementMismatch, bountyID, n)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
