// Package payout moves wallet funds out to hunters' connected accounts.
//
// A withdrawal debits the ledger first, then asks the provider for a
// transfer. A definite provider failure is compensated with a refund entry
// keyed on the payout; an unknown outcome leaves the debit in place and the
// payout in status unknown until a retry with the same idempotency key, or
// the transfer webhook, settles it.
package payout

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("connected account not found")
	ErrAccountTaken    = errors.New("connected account belongs to another user")
	ErrPayoutNotFound  = errors.New("payout not found")
	ErrDuplicateKey    = errors.New("payout idempotency key already used")
	ErrStaleState      = errors.New("payout status changed concurrently")
)

// Status is a payout's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// ConnectAccount links a user to a provider payout account.
type ConnectAccount struct {
	UserID            string    `json:"userId"`
	ExternalAccountID string    `json:"externalAccountId"`
	PayoutsEnabled    bool      `json:"payoutsEnabled"`
	DetailsSubmitted  bool      `json:"detailsSubmitted"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Payout is a single transfer of wallet funds to a connected account.
type Payout struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	Destination        string    `json:"destination"`
	Status             Status    `json:"status"`
	ExternalTransferID string    `json:"externalTransferId,omitempty"`
	IdempotencyKey     string    `json:"-"`
	LedgerEntryID      string    `json:"ledgerEntryId,omitempty"`
	FailureReason      string    `json:"failureReason,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// LedgerRef is the external reference shared by a payout's debit and its
// compensating refund.
func (p *Payout) LedgerRef() string { return "payout:" + p.ID }

// Store persists connected accounts and payouts.
type Store interface {
	SaveAccount(ctx context.Context, a *ConnectAccount) error
	GetAccount(ctx context.Context, userID string) (*ConnectAccount, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*ConnectAccount, error)

	// Create inserts a payout. A second payout with the same user and
	// idempotency key returns ErrDuplicateKey.
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	GetByKey(ctx context.Context, userID, key string) (*Payout, error)
	GetByTransfer(ctx context.Context, transferID string) (*Payout, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payout, error)

	// ListByStatus returns payouts in status last updated before the cutoff,
	// oldest first.
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Payout, error)

	// Update writes p if its stored status is one of from; otherwise it
	// returns ErrStaleState.
	Update(ctx context.Context, p *Payout, from ...Status) error
}
