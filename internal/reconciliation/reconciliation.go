// Package reconciliation periodically checks that escrow state, the ledger
// and provider events agree, and re-drives work left in flight.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/traces"
)

// Bounties lists bounties whose escrow needs checking.
type Bounties interface {
	ListSettled(ctx context.Context, since time.Time, limit int) ([]*escrow.Bounty, error)
	ListByEscrowState(ctx context.Context, state escrow.EscrowState, limit int) ([]*escrow.Bounty, error)
}

// Ledger verifies the entries behind an escrow.
type Ledger interface {
	VerifySettlements(ctx context.Context, bountyID string) error
	HasHold(ctx context.Context, bountyID string) (bool, error)
}

// EventReplayer re-drives unprocessed provider events.
type EventReplayer interface {
	Replay(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// PayoutRetrier retries payouts whose transfer outcome is unknown.
type PayoutRetrier interface {
	RetryUnknown(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// KeyPurger drops expired idempotency keys.
type KeyPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Options tune a Runner. Zero values take defaults.
type Options struct {
	// Lookback bounds how far back settled bounties are verified.
	Lookback time.Duration
	// Grace skips records younger than this; their writes may still be
	// in flight.
	Grace time.Duration
	// BatchSize caps the rows each check reads.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 24 * time.Hour
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	return o
}

// Report is the outcome of one reconciliation run.
type Report struct {
	SettlementMismatches []string      `json:"settlementMismatches"`
	MissingHolds         []string      `json:"missingHolds"`
	StalledHolds         []string      `json:"stalledHolds"`
	EventsReplayed       int           `json:"eventsReplayed"`
	PayoutsRetried       int           `json:"payoutsRetried"`
	KeysPurged           int64         `json:"keysPurged"`
	Errors               []string      `json:"errors,omitempty"`
	Duration             time.Duration `json:"duration"`
}

// Healthy reports whether the run found no inconsistencies or errors.
func (r *Report) Healthy() bool {
	return len(r.SettlementMismatches) == 0 && len(r.MissingHolds) == 0 &&
		len(r.StalledHolds) == 0 && len(r.Errors) == 0
}

// Runner executes the reconciliation checks. Any dependency may be nil,
// which skips its check.
type Runner struct {
	bounties Bounties
	ledger   Ledger
	events   EventReplayer
	payouts  PayoutRetrier
	keys     KeyPurger
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(bounties Bounties, l Ledger, events EventReplayer, payouts PayoutRetrier, keys KeyPurger, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		bounties: bounties,
		ledger:   l,
		events:   events,
		payouts:  payouts,
		keys:     keys,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// RunAll executes every check once. Individual check failures are
// collected in the report; the returned error joins them.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.run")
	start := r.now()
	rep := &Report{}
	var errs []error
	fail := func(check string, err error) {
		reconcileErrors.WithLabelValues(check).Inc()
		rep.Errors = append(rep.Errors, check+": "+err.Error())
		errs = append(errs, fmt.Errorf("%s: %w", check, err))
	}

	if r.bounties != nil && r.ledger != nil {
		if err := r.checkSettlements(ctx, rep); err != nil {
			fail("settlements", err)
		}
		if err := r.checkHolds(ctx, rep); err != nil {
			fail("holds", err)
		}
	}
	if r.events != nil {
		n, err := r.events.Replay(ctx, r.opts.Grace, r.opts.BatchSize)
		rep.EventsReplayed = n
		if err != nil {
			fail("webhook_events", err)
		}
	}
	if r.payouts != nil {
		n, err := r.payouts.RetryUnknown(ctx, r.opts.Grace, r.opts.BatchSize)
		rep.PayoutsRetried = n
		if err != nil {
			fail("payouts", err)
		}
	}
	if r.keys != nil {
		n, err := r.keys.Purge(ctx)
		rep.KeysPurged = n
		if err != nil {
			fail("idempotency", err)
		}
	}

	rep.Duration = r.now().Sub(start)
	r.export(rep)
	err := errors.Join(errs...)
	traces.End(span, err)

	level := slog.LevelInfo
	if !rep.Healthy() {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "reconciliation complete",
		"settlement_mismatches", len(rep.SettlementMismatches),
		"missing_holds", len(rep.MissingHolds),
		"stalled_holds", len(rep.StalledHolds),
		"events_replayed", rep.EventsReplayed,
		"payouts_retried", rep.PayoutsRetried,
		"keys_purged", rep.KeysPurged,
		"errors", len(rep.Errors),
		"duration", rep.Duration)
	return rep, err
}

// checkSettlements flags terminal escrows without exactly one release or
// refund entry.
func (r *Runner) checkSettlements(ctx context.Context, rep *Report) error {
	cutoff := r.now().Add(-r.opts.Grace)
	bounties, err := r.bounties.ListSettled(ctx, r.now().Add(-r.opts.Lookback), r.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, b := range bounties {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		err := r.ledger.VerifySettlements(ctx, b.ID)
		if errors.Is(err, ledger.ErrSettlementMismatch) {
			rep.SettlementMismatches = append(rep.SettlementMismatches, b.ID)
			r.logger.ErrorContext(ctx, "settlement mismatch", "bounty_id", b.ID, "escrow_state", b.Escrow, "error", err)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkHolds flags held escrows whose hold never reached the ledger, and
// escrows left in holding past the grace period.
func (r *Runner) checkHolds(ctx context.Context, rep *Report) error {
	cutoff := r.now().Add(-r.opts.Grace)
	stalled, err := r.bounties.ListByEscrowState(ctx, escrow.EscrowHolding, r.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, b := range stalled {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := r.ledger.HasHold(ctx, b.ID)
		if err != nil {
			return err
		}
		rep.StalledHolds = append(rep.StalledHolds, b.ID)
		r.logger.ErrorContext(ctx, "escrow stuck in holding", "bounty_id", b.ID,
			"funding", b.Funding, "ledger_hold", ok)
	}

	bounties, err := r.bounties.ListByEscrowState(ctx, escrow.EscrowHeld, r.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, b := range bounties {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		ok, err := r.ledger.HasHold(ctx, b.ID)
		if err != nil {
			return err
		}
		if !ok {
			rep.MissingHolds = append(rep.MissingHolds, b.ID)
			r.logger.ErrorContext(ctx, "held escrow has no ledger hold", "bounty_id", b.ID, "funding", b.Funding)
		}
	}
	return nil
}

func (r *Runner) export(rep *Report) {
	reconcileSettlementMismatches.Set(float64(len(rep.SettlementMismatches)))
	reconcileMissingHolds.Set(float64(len(rep.MissingHolds)))
	reconcileStalledHolds.Set(float64(len(rep.StalledHolds)))
	reconcileEventsReplayed.Set(float64(rep.EventsReplayed))
	reconcilePayoutsRetried.Set(float64(rep.PayoutsRetried))
	reconcileKeysPurged.Add(float64(rep.KeysPurged))
	reconcileDuration.Observe(rep.Duration.Seconds())
	if len(rep.Errors) == 0 {
		reconcileLastSuccess.Set(float64(r.now().Unix()))
	}
}
