// Package payments is the boundary to the external payment provider:
// card holds for escrow, wallet top-ups, refunds and connected-account
// transfers. Every call carries an idempotency key so a retry after an
// unknown outcome cannot move money twice.
package payments

import (
	"context"
	"errors"

	"github.com/mbd888/bountypay/internal/apperr"
)

var (
	// ErrUnknownOutcome means the provider may or may not have applied the
	// operation (timeout, network failure, 5xx). Retry with the same key or
	// wait for the webhook; never assume either way.
	ErrUnknownOutcome = errors.New("payment provider outcome unknown")

	// ErrRejected is a definite failure: the provider refused the request.
	ErrRejected = errors.New("payment provider rejected request")

	// ErrUnavailable means the call was not attempted (open circuit).
	ErrUnavailable = errors.New("payment provider unavailable")
)

// Metadata keys attached to every provider object.
const (
	MetaBountyID = "bounty_id"
	MetaUserID   = "user_id"
	MetaPurpose  = "purpose"
	MetaPayoutID = "payout_id"
)

// Purposes recorded in intent metadata. Webhooks route on them.
const (
	PurposeEscrow  = "escrow"
	PurposeDeposit = "deposit"
)

// Intent is a provider payment intent.
type Intent struct {
	ID           string            `json:"id"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	ClientSecret string            `json:"clientSecret,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Transfer is a provider transfer to a connected account.
type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// RefundResult describes how held funds were returned. Canceled is true
// when an uncaptured hold was voided instead of refunded.
type RefundResult struct {
	ID       string `json:"id"`
	Canceled bool   `json:"canceled"`
}

// Account is a connected payout account.
type Account struct {
	ID               string `json:"id"`
	PayoutsEnabled   bool   `json:"payoutsEnabled"`
	DetailsSubmitted bool   `json:"detailsSubmitted"`
}

// HoldRequest places a manual-capture hold for escrow.
type HoldRequest struct {
	Amount   int64
	Currency string
	BountyID string
	UserID   string
}

// DepositRequest creates an automatic-capture wallet top-up.
type DepositRequest struct {
	Amount   int64
	Currency string
	UserID   string
}

// TransferRequest moves platform funds to a connected account.
type TransferRequest struct {
	Amount      int64
	Currency    string
	Destination string
	UserID      string
	PayoutID    string
}

// Provider is the outbound payment API.
type Provider interface {
	CreateHold(ctx context.Context, req HoldRequest, idempotencyKey string) (*Intent, error)
	CaptureHold(ctx context.Context, intentID, idempotencyKey string) (*Intent, error)
	CancelHold(ctx context.Context, intentID, idempotencyKey string) error
	Refund(ctx context.Context, intentID, idempotencyKey string) (*RefundResult, error)
	CreateDeposit(ctx context.Context, req DepositRequest, idempotencyKey string) (*Intent, error)
	CreateTransfer(ctx context.Context, req TransferRequest, idempotencyKey string) (*Transfer, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// IsUnknown reports whether err leaves the provider-side outcome undetermined.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknownOutcome)
}

// AppError converts a provider failure into the caller-facing taxonomy.
func AppError(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.External(op, err, IsUnknown(err))
}
