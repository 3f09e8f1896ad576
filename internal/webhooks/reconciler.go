package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/risk"
	"github.com/mbd888/bountypay/internal/traces"
)

// Ledger is the part of the ledger the reconciler reads and credits.
type Ledger interface {
	RecordDeposit(ctx context.Context, userID string, amount int64, externalRef string, meta map[string]string) (*ledger.Entry, bool, error)
	FindByExternalRef(ctx context.Context, typ ledger.EntryType, ref string) (*ledger.Entry, error)
}

// Escrow settles card-funded holds from provider events.
type Escrow interface {
	ReleaseFromProvider(ctx context.Context, bountyID, intentID string) (*escrow.ReleaseResult, error)
	FailFunding(ctx context.Context, bountyID, intentID, reason string) error
}

// Payouts tracks transfers from provider events.
type Payouts interface {
	MarkTransferSubmitted(ctx context.Context, transferID, payoutID string) error
	MarkTransferPaid(ctx context.Context, transferID, payoutID string) error
	FailTransfer(ctx context.Context, transferID, payoutID, reason string) error
	SyncAccount(ctx context.Context, acct payments.Account) error
}

// RiskEscalator raises a user's risk tier.
type RiskEscalator interface {
	Escalate(ctx context.Context, userID string, tier risk.Tier, reason string) (bool, error)
}

// Reconciler applies verified provider events exactly once.
type Reconciler struct {
	guard   *idempotency.Guard
	events  EventStore
	ledger  Ledger
	escrow  Escrow
	payouts Payouts
	risk    RiskEscalator
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(guard *idempotency.Guard, events EventStore, l Ledger, esc Escrow, payouts Payouts, r RiskEscalator, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		guard:   guard,
		events:  events,
		ledger:  l,
		escrow:  esc,
		payouts: payouts,
		risk:    r,
		logger:  logger,
		now:     time.Now,
	}
}

// Retryable reports whether a processing failure should make the provider
// redeliver. Failures that a redelivery cannot fix are acknowledged and
// left unprocessed for replay.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict,
		apperr.KindForbidden, apperr.KindNotOnboarded, apperr.KindInsufficientFunds:
		return false
	}
	return true
}

// EventKey is the idempotency key claimed while an event is processed.
func EventKey(eventID string) string {
	return idempotency.Key("stripe.event", eventID)
}

// Process applies evt once. A duplicate of an event that is being or has
// been processed returns nil without side effects.
func (r *Reconciler) Process(ctx context.Context, evt *Event) (err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.process", traces.EventID(evt.ID), traces.EventType(evt.Type))
	defer func() { traces.End(span, err) }()

	logger := r.logger.With("event_id", evt.ID, "event_type", evt.Type)
	key := EventKey(evt.ID)

	claimed, err := r.guard.Claim(ctx, key)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "unavailable").Inc()
		return err
	}
	if !claimed {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		logger.InfoContext(ctx, "duplicate webhook event ignored")
		return nil
	}

	// The claim can expire long after processing; the event table remembers.
	if rec, gerr := r.events.Get(ctx, evt.ID); gerr == nil && rec.Processed {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		return nil
	}
	if err := r.events.Record(ctx, evt, r.now()); err != nil {
		_ = r.guard.Release(context.WithoutCancel(ctx), key)
		return fmt.Errorf("record webhook event: %w", err)
	}

	herr := r.dispatch(ctx, evt)
	if herr != nil {
		detached := context.WithoutCancel(ctx)
		if merr := r.events.MarkFailed(detached, evt.ID, herr.Error()); merr != nil {
			logger.ErrorContext(ctx, "failed to record webhook failure", "error", merr)
		}
		_ = r.guard.Release(detached, key)

		result := "failed"
		if !Retryable(herr) {
			result = "rejected"
		}
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, result).Inc()
		logger.WarnContext(ctx, "webhook event processing failed", "error", herr, "retryable", Retryable(herr))
		return herr
	}

	if err := r.events.MarkProcessed(ctx, evt.ID, r.now()); err != nil {
		logger.ErrorContext(ctx, "failed to mark webhook event processed", "error", err)
	}
	if err := r.guard.Complete(ctx, key, nil); err != nil {
		logger.WarnContext(ctx, "failed to complete webhook claim", "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "processed").Inc()
	logger.InfoContext(ctx, "webhook event processed")
	return nil
}

// Replay re-drives events left unprocessed for longer than grace. It
// returns how many were processed.
func (r *Reconciler) Replay(ctx context.Context, grace time.Duration, limit int) (int, error) {
	recs, err := r.events.ListUnprocessed(ctx, r.now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := r.Process(ctx, rec.Event()); err != nil {
			r.logger.WarnContext(ctx, "webhook replay failed", "event_id", rec.EventID, "attempts", rec.Attempts, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (r *Reconciler) dispatch(ctx context.Context, evt *Event) error {
	switch evt.Type {
	case TypePaymentSucceeded:
		return r.paymentSucceeded(ctx, evt)
	case TypePaymentFailed, TypePaymentCanceled:
		return r.paymentFailed(ctx, evt)
	case TypeTransferCreated, TypeTransferPaid, TypeTransferFailed, TypeTransferReversed:
		return r.transfer(ctx, evt)
	case TypeDisputeCreated:
		return r.dispute(ctx, evt)
	case TypeAccountUpdated:
		return r.accountUpdated(ctx, evt)
	default:
		r.logger.DebugContext(ctx, "unhandled webhook event type", "event_type", evt.Type)
		return nil
	}
}

func decode(evt *Event, v any) error {
	if err := json.Unmarshal(evt.Data, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "webhooks.decode", "Malformed "+evt.Type+" payload", err)
	}
	return nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, evt *Event) error {
	var pi stripe.PaymentIntent
	if err := decode(evt, &pi); err != nil {
		return err
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}

	switch pi.Metadata[payments.MetaPurpose] {
	case payments.PurposeDeposit:
		userID := pi.Metadata[payments.MetaUserID]
		if userID == "" {
			return apperr.New(apperr.KindValidation, "webhooks.deposit", "Deposit intent carries no user")
		}
		_, created, err := r.ledger.RecordDeposit(ctx, userID, amount, pi.ID, map[string]string{
			payments.MetaPurpose: payments.PurposeDeposit,
			"event_id":           evt.ID,
		})
		if err != nil {
			return err
		}
		if !created {
			r.logger.InfoContext(ctx, "deposit already recorded", "intent_id", pi.ID)
		}
		return nil

	case payments.PurposeEscrow:
		bountyID := pi.Metadata[payments.MetaBountyID]
		if _, err := r.ledger.FindByExternalRef(ctx, ledger.TypeDeposit, pi.ID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return apperr.Wrap(apperr.KindConflict, "webhooks.escrow_captured",
					"Captured escrow payment has no recorded deposit", err)
			}
			return err
		}
		_, err := r.escrow.ReleaseFromProvider(ctx, bountyID, pi.ID)
		return err
	}

	r.logger.InfoContext(ctx, "payment without a known purpose ignored", "intent_id", pi.ID)
	return nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, evt *Event) error {
	var pi stripe.PaymentIntent
	if err := decode(evt, &pi); err != nil {
		return err
	}
	if pi.Metadata[payments.MetaPurpose] != payments.PurposeEscrow {
		// A failed top-up never credited the wallet.
		return nil
	}

	reason := string(pi.CancellationReason)
	if pi.LastPaymentError != nil {
		reason = string(pi.LastPaymentError.Code)
	}
	if reason == "" {
		reason = evt.Type
	}
	return r.escrow.FailFunding(ctx, pi.Metadata[payments.MetaBountyID], pi.ID, reason)
}

func (r *Reconciler) transfer(ctx context.Context, evt *Event) error {
	var tr stripe.Transfer
	if err := decode(evt, &tr); err != nil {
		return err
	}
	payoutID := tr.Metadata[payments.MetaPayoutID]

	switch evt.Type {
	case TypeTransferCreated:
		return r.payouts.MarkTransferSubmitted(ctx, tr.ID, payoutID)
	case TypeTransferPaid:
		return r.payouts.MarkTransferPaid(ctx, tr.ID, payoutID)
	default:
		reason := "transfer_failed"
		if evt.Type == TypeTransferReversed || tr.Reversed {
			reason = "transfer_reversed"
		}
		return r.payouts.FailTransfer(ctx, tr.ID, payoutID, reason)
	}
}

func (r *Reconciler) dispute(ctx context.Context, evt *Event) error {
	var d stripe.Dispute
	if err := decode(evt, &d); err != nil {
		return err
	}
	if d.PaymentIntent == nil || d.PaymentIntent.ID == "" {
		return apperr.New(apperr.KindValidation, "webhooks.dispute", "Dispute carries no payment intent")
	}
	deposit, err := r.ledger.FindByExternalRef(ctx, ledger.TypeDeposit, d.PaymentIntent.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return apperr.Wrap(apperr.KindNotFound, "webhooks.dispute", "Disputed payment is unknown", err)
		}
		return err
	}

	raised, err := r.risk.Escalate(ctx, deposit.UserID, risk.TierHigh, "dispute:"+string(d.Reason))
	if err != nil {
		return err
	}
	r.logger.WarnContext(ctx, "payment disputed", "user_id", deposit.UserID,
		"intent_id", d.PaymentIntent.ID, "amount", d.Amount, "tier_raised", raised)
	return nil
}

func (r *Reconciler) accountUpdated(ctx context.Context, evt *Event) error {
	var a stripe.Account
	if err := decode(evt, &a); err != nil {
		return err
	}
	return r.payouts.SyncAccount(ctx, payments.Account{
		ID:               a.ID,
		PayoutsEnabled:   a.PayoutsEnabled,
		DetailsSubmitted: a.DetailsSubmitted,
	})
}
