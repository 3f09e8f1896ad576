// Package webhooks receives payment provider events and reconciles them
// into the ledger, escrow and payout state.
//
// Every event is verified, claimed once on the idempotency guard, recorded
// in processed_webhook_events and then dispatched by type. Handlers are
// idempotent on their own (existence checks backed by unique indexes), so a
// redelivery that slips past the guard still changes nothing.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/bountypay/internal/apperr"
)

var (
	ErrEventNotFound = errors.New("webhook event not found")
)

// Provider event types handled by the reconciler.
const (
	TypePaymentSucceeded = "payment_intent.succeeded"
	TypePaymentFailed    = "payment_intent.payment_failed"
	TypePaymentCanceled  = "payment_intent.canceled"
	TypeTransferCreated  = "transfer.created"
	TypeTransferPaid     = "transfer.paid"
	TypeTransferFailed   = "transfer.failed"
	TypeTransferReversed = "transfer.reversed"
	TypeDisputeCreated   = "charge.dispute.created"
	TypeAccountUpdated   = "account.updated"
)

// DefaultTolerance bounds the age of a signed payload.
const DefaultTolerance = 5 * time.Minute

// Event is a verified provider event. Data holds the event's object.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Record is the stored form of a received event.
type Record struct {
	EventID     string
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
	Processed   bool
	Attempts    int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Event rebuilds the event for replay.
func (r *Record) Event() *Event {
	return &Event{ID: r.EventID, Type: r.Type, CreatedAt: r.CreatedAt, Data: r.Payload}
}

// EventStore persists received events.
type EventStore interface {
	// Record inserts the event as unprocessed, or bumps its attempt count
	// if it was seen before.
	Record(ctx context.Context, evt *Event, receivedAt time.Time) error
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, msg string) error
	Get(ctx context.Context, eventID string) (*Record, error)

	// ListUnprocessed returns unprocessed events received before the
	// cutoff, oldest first.
	ListUnprocessed(ctx context.Context, receivedBefore time.Time, limit int) ([]*Record, error)
}

// Verifier authenticates a raw webhook request.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}

// StripeVerifier checks the Stripe-Signature header.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint's signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: DefaultTolerance}
}

// Verify checks the signature and timestamp and decodes the event envelope.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	const op = "webhooks.verify"
	if signatureHeader == "" {
		return nil, apperr.New(apperr.KindInvalidSignature, op, "Missing signature header")
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidSignature, op, "Invalid webhook signature", err)
	}
	out := &Event{
		ID:        evt.ID,
		Type:      string(evt.Type),
		CreatedAt: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data != nil {
		out.Data = evt.Data.Raw
	}
	if out.ID == "" || out.Type == "" {
		return nil, apperr.New(apperr.KindValidation, op, "Event is missing id or type")
	}
	return out, nil
}
