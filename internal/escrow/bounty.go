// Package escrow runs the bounty lifecycle and the state machine that moves
// a bounty's funds from held to released or refunded.
//
// Flow:
//  1. Poster creates a bounty (open) and funds it from wallet or card (held)
//  2. A hunter accepts the bounty (in_progress)
//  3. Poster releases: hunter is credited amount minus fee, platform the fee
//  4. Or poster cancels: the hold is refunded to the poster
//
// Every state change goes through Store.Transition, a compare-and-swap on
// (status, escrow_state). No in-process locks are held across I/O.
package escrow

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrBountyNotFound    = errors.New("bounty not found")
	ErrStaleState        = errors.New("bounty state changed concurrently")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrEscrowSettled     = errors.New("escrow already settled")
	ErrNotPoster         = errors.New("caller is not the bounty poster")
	ErrForHonor          = errors.New("bounty is for honor and carries no funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSelfAccept        = errors.New("poster cannot accept own bounty")
	ErrNotFunded         = errors.New("bounty has no escrow hold")
)

// Status is the marketplace status of a bounty.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusArchived   Status = "archived"
)

// EscrowState is where a bounty's funds are.
type EscrowState string

const (
	EscrowNone     EscrowState = "none"
	EscrowHolding  EscrowState = "holding"
	EscrowHeld     EscrowState = "held"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

// FundingSource says how a hold was paid for.
type FundingSource string

const (
	FundingWallet FundingSource = "wallet"
	FundingCharge FundingSource = "charge"
)

// Bounty is a posted task with optional escrowed funds.
type Bounty struct {
	ID               string        `json:"id"`
	PosterID         string        `json:"posterId"`
	HunterID         *string       `json:"hunterId,omitempty"`
	Title            string        `json:"title"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Status           Status        `json:"status"`
	IsForHonor       bool          `json:"isForHonor"`
	Escrow           EscrowState   `json:"escrowState"`
	Funding          FundingSource `json:"fundingSource,omitempty"`
	PaymentReference *string       `json:"paymentReference,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Hunter returns the hunter id or "".
func (b *Bounty) Hunter() string {
	if b.HunterID == nil {
		return ""
	}
	return *b.HunterID
}

// Reference returns the payment reference or "".
func (b *Bounty) Reference() string {
	if b.PaymentReference == nil {
		return ""
	}
	return *b.PaymentReference
}

// Update is a conditional change applied by Store.Transition. The From
// fields are the expected current values (empty matches anything); the
// remaining fields are applied only if the expectation holds.
type Update struct {
	FromStatus []Status
	FromEscrow []EscrowState

	ToStatus Status      // "" leaves status unchanged
	ToEscrow EscrowState // "" leaves escrow_state unchanged

	// Pointer fields are left unchanged when nil; a pointer to "" clears.
	Funding          *FundingSource
	PaymentReference *string
	HunterID         *string
}

// matches reports whether b satisfies the expectation in u.
func (u Update) matches(b *Bounty) bool {
	if len(u.FromStatus) > 0 && !slices.Contains(u.FromStatus, b.Status) {
		return false
	}
	if len(u.FromEscrow) > 0 && !slices.Contains(u.FromEscrow, b.Escrow) {
		return false
	}
	return true
}

// apply writes the changes in u to b.
func (u Update) apply(b *Bounty, now time.Time) {
	if u.ToStatus != "" {
		b.Status = u.ToStatus
	}
	if u.ToEscrow != "" {
		b.Escrow = u.ToEscrow
	}
	if u.Funding != nil {
		b.Funding = *u.Funding
	}
	if u.PaymentReference != nil {
		b.PaymentReference = optional(*u.PaymentReference)
	}
	if u.HunterID != nil {
		b.HunterID = optional(*u.HunterID)
	}
	b.UpdatedAt = now
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr[T any](v T) *T { return &v }

// Store persists bounties.
type Store interface {
	Create(ctx context.Context, b *Bounty) error
	Get(ctx context.Context, id string) (*Bounty, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Bounty, error)
	ListByEscrowState(ctx context.Context, state EscrowState, limit int) ([]*Bounty, error)
	ListSettled(ctx context.Context, since time.Time, limit int) ([]*Bounty, error)

	// Transition applies u atomically if the bounty still matches its
	// expectation. It returns ErrBountyNotFound or ErrStaleState otherwise.
	Transition(ctx context.Context, id string, u Update) (*Bounty, error)
}
