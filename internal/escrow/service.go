package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/retry"
	"github.com/mbd888/bountypay/internal/saga"
	"github.com/mbd888/bountypay/internal/traces"
)

// Ledger is the part of the ledger the state machine writes to.
type Ledger interface {
	Append(ctx context.Context, entries ...*ledger.Entry) error
	AppendDebit(ctx context.Context, entry *ledger.Entry, floor int64) error
	Exists(ctx context.Context, typ ledger.EntryType, ref string) (bool, error)
	HasHold(ctx context.Context, bountyID string) (bool, error)
}

// FloorSource returns the lowest balance a debit may leave for a user.
type FloorSource interface {
	Floor(ctx context.Context, userID string) (int64, error)
}

// PayoutDispatcher sends a hunter's release to their connected account.
type PayoutDispatcher interface {
	DispatchRelease(ctx context.Context, userID string, amount int64, bountyID string) error
}

// Config holds the business parameters of the escrow flow.
type Config struct {
	FeeBPS         int64
	PlatformUserID string
	MinAmount      int64
	Currency       string
	AutoPayout     bool
}

// Service implements the bounty lifecycle and escrow state machine.
type Service struct {
	store    Store
	ledger   Ledger
	floors   FloorSource
	provider payments.Provider
	guard    *idempotency.Guard
	payouts  PayoutDispatcher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escrow service.
func NewService(store Store, l Ledger, floors FloorSource, provider payments.Provider, guard *idempotency.Guard, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.PlatformUserID == "" {
		cfg.PlatformUserID = "platform"
	}
	return &Service{
		store:    store,
		ledger:   l,
		floors:   floors,
		provider: provider,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithPayouts enables payout dispatch after release when AutoPayout is set.
func (s *Service) WithPayouts(p PayoutDispatcher) *Service {
	s.payouts = p
	return s
}

// --- bounty lifecycle ---

// CreateBountyRequest contains the parameters for posting a bounty.
type CreateBountyRequest struct {
	PosterID   string
	Title      string
	Amount     int64
	IsForHonor bool
}

// CreateBounty posts a new open bounty.
func (s *Service) CreateBounty(ctx context.Context, req CreateBountyRequest) (*Bounty, error) {
	const op = "bounty.create"
	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		return nil, apperr.New(apperr.KindValidation, op, "Title is required")
	case req.IsForHonor && req.Amount != 0:
		return nil, apperr.New(apperr.KindValidation, op, "For-honor bounties carry no amount")
	case !req.IsForHonor && req.Amount <= 0:
		return nil, apperr.New(apperr.KindValidation, op, "Amount must be positive")
	}

	now := s.now()
	b := &Bounty{
		ID:         idgen.New(),
		PosterID:   req.PosterID,
		Title:      title,
		Amount:     req.Amount,
		Currency:   s.cfg.Currency,
		Status:     StatusOpen,
		IsForHonor: req.IsForHonor,
		Escrow:     EscrowNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "bounty created", "bounty_id", b.ID, "poster_id", b.PosterID, "amount", b.Amount)
	return b, nil
}

// Get returns a bounty.
func (s *Service) Get(ctx context.Context, id string) (*Bounty, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError("bounty.get", err)
	}
	return b, nil
}

// ListByUser returns bounties the user posted or is working on.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Bounty, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// AcceptBounty assigns the hunter and moves the bounty to in_progress.
func (s *Service) AcceptBounty(ctx context.Context, hunterID, bountyID string) (*Bounty, error) {
	const op = "bounty.accept"
	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.PosterID == hunterID {
		return nil, apperr.Wrap(apperr.KindValidation, op, "You cannot accept your own bounty", ErrSelfAccept)
	}
	if b.Status != StatusOpen {
		return nil, apperr.New(apperr.KindConflict, op, "Bounty is not open")
	}
	// Paid work starts only against held funds.
	funded := EscrowNone
	if !b.IsForHonor {
		if b.Escrow != EscrowHeld {
			return nil, apperr.Wrap(apperr.KindConflict, op, "Bounty must be funded before it can be accepted", ErrNotFunded)
		}
		funded = EscrowHeld
	}

	b, err = s.store.Transition(ctx, bountyID, Update{
		FromStatus: []Status{StatusOpen},
		FromEscrow: []EscrowState{funded},
		ToStatus:   StatusInProgress,
		HunterID:   &hunterID,
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	s.logger.InfoContext(ctx, "bounty accepted", "bounty_id", bountyID, "hunter_id", hunterID)
	return b, nil
}

// CancelBounty cancels a bounty. A funded bounty is refunded first.
func (s *Service) CancelBounty(ctx context.Context, posterID, bountyID string) (*Bounty, error) {
	const op = "bounty.cancel"
	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.PosterID != posterID {
		return nil, apperr.Wrap(apperr.KindForbidden, op, "Only the poster can cancel this bounty", ErrNotPoster)
	}
	if b.Escrow == EscrowHeld {
		if _, err := s.RefundEscrow(ctx, posterID, bountyID); err != nil {
			return nil, err
		}
		return s.Get(ctx, bountyID)
	}
	if b.Escrow == EscrowHolding {
		return nil, apperr.New(apperr.KindConflict, op, "Funding is in progress, retry shortly")
	}
	if !b.IsForHonor {
		// A cancelled paid bounty must carry exactly one settlement entry.
		return nil, apperr.Wrap(apperr.KindConflict, op, "Unfunded bounties are archived, not cancelled", ErrNotFunded)
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return nil, apperr.New(apperr.KindConflict, op, "Bounty cannot be cancelled in status "+string(b.Status))
	}

	b, err = s.store.Transition(ctx, bountyID, Update{
		FromStatus: sourcesOf(StatusCancelled),
		FromEscrow: []EscrowState{EscrowNone},
		ToStatus:   StatusCancelled,
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	s.logger.InfoContext(ctx, "bounty cancelled", "bounty_id", bountyID)
	return b, nil
}

// ArchiveBounty moves a bounty with no funds in flight to archived.
func (s *Service) ArchiveBounty(ctx context.Context, posterID, bountyID string) (*Bounty, error) {
	const op = "bounty.archive"
	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.PosterID != posterID {
		return nil, apperr.Wrap(apperr.KindForbidden, op, "Only the poster can archive this bounty", ErrNotPoster)
	}
	if b.Escrow == EscrowHeld || b.Escrow == EscrowHolding || !CanTransition(b.Status, StatusArchived) {
		return nil, apperr.New(apperr.KindConflict, op, "Bounty cannot be archived while funds are held or work is in progress")
	}

	b, err = s.store.Transition(ctx, bountyID, Update{
		FromStatus: sourcesOf(StatusArchived),
		FromEscrow: []EscrowState{EscrowNone, EscrowReleased, EscrowRefunded},
		ToStatus:   StatusArchived,
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	return b, nil
}

// --- escrow ---

// CreateEscrowRequest contains the parameters for funding a bounty.
type CreateEscrowRequest struct {
	PosterID       string
	BountyID       string
	Amount         int64
	Funding        FundingSource
	IdempotencyKey string
}

// EscrowResult is returned by CreateEscrow and replayed verbatim for a
// repeated idempotency key.
type EscrowResult struct {
	BountyID         string        `json:"bountyId"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	EscrowState      EscrowState   `json:"escrowState"`
	Funding          FundingSource `json:"fundingSource"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	ClientSecret     string        `json:"clientSecret,omitempty"`
	HoldEntryID      string        `json:"holdEntryId"`
}

// CreateEscrow places the bounty amount on hold, debiting the poster's
// wallet or placing a manual-capture card hold.
func (s *Service) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*EscrowResult, bool, error) {
	if req.Funding == "" {
		req.Funding = FundingWallet
	}
	if req.IdempotencyKey == "" {
		res, err := s.createEscrow(ctx, req)
		return res, false, err
	}

	key := idempotency.Key("escrow.create", req.PosterID, req.IdempotencyKey)
	fp := idempotency.Fingerprint(req.BountyID, strconv.FormatInt(req.Amount, 10), string(req.Funding))
	raw, replayed, err := s.guard.Do(ctx, key, fp, func(ctx context.Context) ([]byte, error) {
		res, err := s.createEscrow(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return nil, false, err
	}
	var res EscrowResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode stored escrow result: %w", err)
	}
	return &res, replayed, nil
}

func (s *Service) createEscrow(ctx context.Context, req CreateEscrowRequest) (res *EscrowResult, err error) {
	const op = "escrow.create"
	ctx, span := traces.StartSpan(ctx, op, traces.BountyID(req.BountyID), traces.UserID(req.PosterID), traces.Amount(req.Amount))
	defer func() {
		traces.End(span, err)
		recordTransition(EventHold, err)
	}()

	b, err := s.Get(ctx, req.BountyID)
	if err != nil {
		return nil, err
	}
	if err := s.checkEscrowable(b, req); err != nil {
		return nil, err
	}
	if _, err := Next(b.Escrow, EventHold); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, op, "Bounty is already funded", err)
	}

	switch req.Funding {
	case FundingWallet:
		return s.holdFromWallet(ctx, b)
	case FundingCharge:
		return s.holdFromCharge(ctx, b)
	default:
		return nil, apperr.New(apperr.KindValidation, op, "fundingSource must be wallet or charge")
	}
}

func (s *Service) checkEscrowable(b *Bounty, req CreateEscrowRequest) error {
	const op = "escrow.create"
	switch {
	case b.PosterID != req.PosterID:
		return apperr.Wrap(apperr.KindForbidden, op, "Only the poster can fund this bounty", ErrNotPoster)
	case b.IsForHonor:
		return apperr.Wrap(apperr.KindValidation, op, "For-honor bounties cannot be escrowed", ErrForHonor)
	case req.Amount < s.cfg.MinAmount:
		return apperr.Wrap(apperr.KindValidation, op,
			fmt.Sprintf("Amount must be at least %s", money.Format(s.cfg.MinAmount)), ErrInvalidAmount)
	case req.Amount != b.Amount:
		return apperr.Wrap(apperr.KindValidation, op, "Amount must equal the bounty amount", ErrInvalidAmount)
	case b.Status != StatusOpen && b.Status != StatusInProgress:
		return apperr.New(apperr.KindConflict, op, "Bounty is not open for funding")
	}
	return nil
}

// claimHold moves the escrow from none to holding and registers its undo.
// Nothing can settle a holding escrow, so the debit or card hold that
// follows cannot be overtaken by a release or refund.
func (s *Service) claimHold(ctx context.Context, b *Bounty, funding FundingSource, sg *saga.Saga) error {
	_, err := s.store.Transition(ctx, b.ID, Update{
		FromStatus: []Status{StatusOpen, StatusInProgress},
		FromEscrow: []EscrowState{EscrowNone},
		ToEscrow:   EscrowHolding,
		Funding:    &funding,
	})
	if err != nil {
		return storeError("escrow.create", err)
	}
	sg.Add("unhold_bounty", func(ctx context.Context) error {
		_, err := s.store.Transition(ctx, b.ID, Update{
			FromEscrow:       []EscrowState{EscrowHolding},
			ToEscrow:         EscrowNone,
			Funding:          ptr(FundingSource("")),
			PaymentReference: ptr(""),
		})
		return undoError(err)
	})
	return nil
}

// confirmHold moves a holding escrow to held once its ledger hold exists.
// The hold entry cannot be withdrawn, so a failure here leaves the bounty
// in holding for reconciliation to report.
func (s *Service) confirmHold(ctx context.Context, b *Bounty, paymentRef *string) error {
	_, err := s.store.Transition(ctx, b.ID, Update{
		FromEscrow:       []EscrowState{EscrowHolding},
		ToEscrow:         EscrowHeld,
		PaymentReference: paymentRef,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "CRITICAL: escrow hold recorded but bounty not marked held",
			"bounty_id", b.ID, "error", err)
		return storeError("escrow.create", err)
	}
	return nil
}

// requireHold rejects settling a bounty whose hold never reached the ledger.
func (s *Service) requireHold(ctx context.Context, op, bountyID string) error {
	ok, err := s.ledger.HasHold(ctx, bountyID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.KindNotFound, op, "No escrow hold found for this bounty", ErrNotFunded)
	}
	return nil
}

func (s *Service) holdFromWallet(ctx context.Context, b *Bounty) (*EscrowResult, error) {
	floor, err := s.floors.Floor(ctx, b.PosterID)
	if err != nil {
		return nil, err
	}

	sg := saga.New("escrow.create", s.logger)
	if err := s.claimHold(ctx, b, FundingWallet, sg); err != nil {
		return nil, err
	}

	hold := &ledger.Entry{
		UserID:   b.PosterID,
		BountyID: &b.ID,
		Type:     ledger.TypeEscrowHold,
		Amount:   -b.Amount,
		Metadata: map[string]string{"funding": string(FundingWallet)},
	}
	if err := s.ledger.AppendDebit(ctx, hold, floor); err != nil {
		_ = sg.Compensate(ctx)
		return nil, holdError(err)
	}
	sg.Complete()
	if err := s.confirmHold(ctx, b, nil); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "escrow held", "bounty_id", b.ID, "poster_id", b.PosterID,
		"amount", b.Amount, "funding", FundingWallet)
	return &EscrowResult{
		BountyID:    b.ID,
		Amount:      b.Amount,
		Currency:    b.Currency,
		EscrowState: EscrowHeld,
		Funding:     FundingWallet,
		HoldEntryID: hold.ID,
	}, nil
}

func (s *Service) holdFromCharge(ctx context.Context, b *Bounty) (*EscrowResult, error) {
	const op = "escrow.create"
	sg := saga.New(op, s.logger)
	if err := s.claimHold(ctx, b, FundingCharge, sg); err != nil {
		return nil, err
	}

	intent, err := s.provider.CreateHold(ctx, payments.HoldRequest{
		Amount:   b.Amount,
		Currency: b.Currency,
		BountyID: b.ID,
		UserID:   b.PosterID,
	}, "escrow-hold:"+b.ID)
	if err != nil {
		_ = sg.Compensate(ctx)
		return nil, payments.AppError(op, err)
	}
	sg.Add("cancel_provider_hold", func(ctx context.Context) error {
		return s.provider.CancelHold(ctx, intent.ID, "escrow-hold-cancel:"+b.ID)
	})

	meta := map[string]string{"funding": string(FundingCharge), payments.MetaPurpose: payments.PurposeEscrow}
	deposit := &ledger.Entry{
		UserID:      b.PosterID,
		BountyID:    &b.ID,
		Type:        ledger.TypeDeposit,
		Amount:      b.Amount,
		ExternalRef: &intent.ID,
		Metadata:    meta,
	}
	hold := &ledger.Entry{
		UserID:      b.PosterID,
		BountyID:    &b.ID,
		Type:        ledger.TypeEscrowHold,
		Amount:      -b.Amount,
		ExternalRef: &intent.ID,
		Metadata:    meta,
	}
	if err := s.ledger.Append(ctx, deposit, hold); err != nil {
		_ = sg.Compensate(ctx)
		return nil, holdError(err)
	}
	sg.Complete()
	if err := s.confirmHold(ctx, b, &intent.ID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "escrow held", "bounty_id", b.ID, "poster_id", b.PosterID,
		"amount", b.Amount, "funding", FundingCharge, "intent_id", intent.ID)
	return &EscrowResult{
		BountyID:         b.ID,
		Amount:           b.Amount,
		Currency:         b.Currency,
		EscrowState:      EscrowHeld,
		Funding:          FundingCharge,
		PaymentReference: intent.ID,
		ClientSecret:     intent.ClientSecret,
		HoldEntryID:      hold.ID,
	}, nil
}

// ReleaseResult describes a completed release.
type ReleaseResult struct {
	BountyID       string `json:"bountyId"`
	HunterID       string `json:"hunterId"`
	Amount         int64  `json:"amount"`
	Fee            int64  `json:"fee"`
	Payout         int64  `json:"payout"`
	ReleaseEntryID string `json:"releaseEntryId"`
	FeeEntryID     string `json:"feeEntryId,omitempty"`
}

// ReleaseEscrow pays the hunter on the poster's instruction.
func (s *Service) ReleaseEscrow(ctx context.Context, posterID, bountyID string) (*ReleaseResult, error) {
	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.PosterID != posterID {
		return nil, apperr.Wrap(apperr.KindForbidden, "escrow.release", "Only the poster can release funds", ErrNotPoster)
	}
	return s.release(ctx, b, true)
}

// ReleaseFromProvider releases a held escrow whose card payment the
// provider reports as captured. A bounty that is already settled, or has
// no hunter yet, is left alone.
func (s *Service) ReleaseFromProvider(ctx context.Context, bountyID, intentID string) (*ReleaseResult, error) {
	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.Escrow != EscrowHeld || b.Reference() != intentID || b.Status != StatusInProgress || b.HunterID == nil {
		s.logger.InfoContext(ctx, "capture confirmation needs no release",
			"bounty_id", bountyID, "intent_id", intentID, "status", b.Status, "escrow_state", b.Escrow)
		return nil, nil
	}
	res, err := s.release(ctx, b, false)
	if apperr.Is(err, apperr.KindConflict) {
		// A manual release won the race.
		return nil, nil
	}
	return res, err
}

func (s *Service) release(ctx context.Context, b *Bounty, capture bool) (res *ReleaseResult, err error) {
	const op = "escrow.release"
	ctx, span := traces.StartSpan(ctx, op, traces.BountyID(b.ID), traces.Amount(b.Amount))
	defer func() {
		traces.End(span, err)
		recordTransition(EventRelease, err)
	}()

	if _, err := Next(b.Escrow, EventRelease); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, op, "Escrow is not held", err)
	}
	if b.Status != StatusInProgress || b.HunterID == nil {
		return nil, apperr.New(apperr.KindConflict, op, "Bounty must be in progress with an assigned hunter")
	}
	if err := s.requireHold(ctx, op, b.ID); err != nil {
		return nil, err
	}

	fee, payout, err := money.SplitFee(b.Amount, s.cfg.FeeBPS)
	if err != nil {
		return nil, fmt.Errorf("split fee: %w", err)
	}

	sg := saga.New(op, s.logger)
	ref := b.Reference()
	if _, err := s.store.Transition(ctx, b.ID, Update{
		FromStatus:       []Status{StatusInProgress},
		FromEscrow:       []EscrowState{EscrowHeld},
		ToStatus:         StatusCompleted,
		ToEscrow:         EscrowReleased,
		PaymentReference: ptr(""),
	}); err != nil {
		return nil, storeError(op, err)
	}
	sg.Add("restore_bounty", func(ctx context.Context) error {
		_, err := s.store.Transition(ctx, b.ID, Update{
			FromStatus:       []Status{StatusCompleted},
			FromEscrow:       []EscrowState{EscrowReleased},
			ToStatus:         StatusInProgress,
			ToEscrow:         EscrowHeld,
			PaymentReference: &ref,
		})
		return undoError(err)
	})

	if capture && b.Funding == FundingCharge {
		if _, err := s.provider.CaptureHold(ctx, ref, "escrow-capture:"+b.ID); err != nil {
			_ = sg.Compensate(ctx)
			return nil, payments.AppError(op, err)
		}
	}

	hunter := *b.HunterID
	releaseEntry := &ledger.Entry{
		UserID:   hunter,
		BountyID: &b.ID,
		Type:     ledger.TypeRelease,
		Amount:   payout,
		Metadata: map[string]string{"gross": strconv.FormatInt(b.Amount, 10), "fee": strconv.FormatInt(fee, 10)},
	}
	entries := []*ledger.Entry{releaseEntry}
	var feeEntry *ledger.Entry
	if fee > 0 {
		feeEntry = &ledger.Entry{
			UserID:   s.cfg.PlatformUserID,
			BountyID: &b.ID,
			Type:     ledger.TypePlatformFee,
			Amount:   fee,
			Metadata: map[string]string{"bps": strconv.FormatInt(s.cfg.FeeBPS, 10)},
		}
		entries = append(entries, feeEntry)
	}
	if err := s.ledger.Append(ctx, entries...); err != nil {
		_ = sg.Compensate(ctx)
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, apperr.Wrap(apperr.KindConflict, op, "Escrow was already settled", err)
		}
		return nil, err
	}
	sg.Complete()

	s.logger.InfoContext(ctx, "escrow released", "bounty_id", b.ID, "hunter_id", hunter,
		"amount", b.Amount, "fee", fee, "payout", payout)

	res = &ReleaseResult{
		BountyID:       b.ID,
		HunterID:       hunter,
		Amount:         b.Amount,
		Fee:            fee,
		Payout:         payout,
		ReleaseEntryID: releaseEntry.ID,
	}
	if feeEntry != nil {
		res.FeeEntryID = feeEntry.ID
	}

	if s.cfg.AutoPayout && s.payouts != nil {
		// The release stands regardless of the payout outcome.
		if perr := s.payouts.DispatchRelease(context.WithoutCancel(ctx), hunter, payout, b.ID); perr != nil {
			s.logger.WarnContext(ctx, "auto payout after release failed", "bounty_id", b.ID, "hunter_id", hunter, "error", perr)
		}
	}
	return res, nil
}

// RefundResult describes a completed refund.
type RefundResult struct {
	BountyID       string `json:"bountyId"`
	PosterID       string `json:"posterId"`
	Amount         int64  `json:"amount"`
	RefundEntryID  string `json:"refundEntryId"`
	ProviderRefund string `json:"providerRefund,omitempty"`
}

// RefundEscrow returns the held amount to the poster and cancels the bounty.
func (s *Service) RefundEscrow(ctx context.Context, posterID, bountyID string) (res *RefundResult, err error) {
	const op = "escrow.refund"
	ctx, span := traces.StartSpan(ctx, op, traces.BountyID(bountyID), traces.UserID(posterID))
	defer func() {
		traces.End(span, err)
		recordTransition(EventRefund, err)
	}()

	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if b.PosterID != posterID {
		return nil, apperr.Wrap(apperr.KindForbidden, op, "Only the poster can refund this escrow", ErrNotPoster)
	}
	if _, err := Next(b.Escrow, EventRefund); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, op, "Escrow is not held", err)
	}
	if !CanTransition(b.Status, StatusCancelled) {
		return nil, apperr.New(apperr.KindConflict, op, "Completed bounties cannot be refunded")
	}
	if err := s.requireHold(ctx, op, b.ID); err != nil {
		return nil, err
	}

	sg := saga.New(op, s.logger)
	ref := b.Reference()
	if _, err := s.store.Transition(ctx, b.ID, Update{
		FromStatus:       []Status{StatusOpen, StatusInProgress},
		FromEscrow:       []EscrowState{EscrowHeld},
		ToStatus:         StatusCancelled,
		ToEscrow:         EscrowRefunded,
		PaymentReference: ptr(""),
	}); err != nil {
		return nil, storeError(op, err)
	}
	prevStatus := b.Status
	sg.Add("restore_bounty", func(ctx context.Context) error {
		_, err := s.store.Transition(ctx, b.ID, Update{
			FromStatus:       []Status{StatusCancelled},
			FromEscrow:       []EscrowState{EscrowRefunded},
			ToStatus:         prevStatus,
			ToEscrow:         EscrowHeld,
			PaymentReference: &ref,
		})
		return undoError(err)
	})

	entries := []*ledger.Entry{{
		UserID:   b.PosterID,
		BountyID: &b.ID,
		Type:     ledger.TypeRefund,
		Amount:   b.Amount,
	}}
	res = &RefundResult{BountyID: b.ID, PosterID: b.PosterID, Amount: b.Amount}

	if b.Funding == FundingCharge {
		out, err := s.provider.Refund(ctx, ref, "escrow-refund:"+b.ID)
		if err != nil {
			_ = sg.Compensate(ctx)
			return nil, payments.AppError(op, err)
		}
		res.ProviderRefund = out.ID
		// The card is made whole, so the escrow deposit leaves the wallet again.
		entries = append(entries, &ledger.Entry{
			UserID:      b.PosterID,
			BountyID:    &b.ID,
			Type:        ledger.TypeWithdrawal,
			Amount:      -b.Amount,
			ExternalRef: &out.ID,
			Metadata:    map[string]string{"reason": "card_refund", "intent_id": ref},
		})
	}

	if err := s.ledger.Append(ctx, entries...); err != nil {
		_ = sg.Compensate(ctx)
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return nil, apperr.Wrap(apperr.KindConflict, op, "Escrow was already settled", err)
		}
		return nil, err
	}
	sg.Complete()

	res.RefundEntryID = entries[0].ID
	s.logger.InfoContext(ctx, "escrow refunded", "bounty_id", b.ID, "poster_id", b.PosterID,
		"amount", b.Amount, "provider_refund", res.ProviderRefund)
	return res, nil
}

// FailFunding unwinds a card-funded hold whose payment failed or was
// canceled at the provider. The bounty is cancelled and the phantom
// deposit recorded at hold time is reversed.
func (s *Service) FailFunding(ctx context.Context, bountyID, intentID, reason string) (err error) {
	const op = "escrow.fail_funding"
	ctx, span := traces.StartSpan(ctx, op, traces.BountyID(bountyID))
	defer func() { traces.End(span, err) }()

	b, err := s.Get(ctx, bountyID)
	if err != nil {
		return err
	}
	if b.Escrow != EscrowHeld || b.Funding != FundingCharge || b.Reference() != intentID {
		s.logger.InfoContext(ctx, "funding failure needs no action",
			"bounty_id", bountyID, "intent_id", intentID, "escrow_state", b.Escrow)
		return nil
	}

	sg := saga.New(op, s.logger)
	prevStatus := b.Status
	if _, err := s.store.Transition(ctx, b.ID, Update{
		FromStatus:       []Status{StatusOpen, StatusInProgress},
		FromEscrow:       []EscrowState{EscrowHeld},
		ToStatus:         StatusCancelled,
		ToEscrow:         EscrowRefunded,
		PaymentReference: ptr(""),
	}); err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil
		}
		return storeError(op, err)
	}
	sg.Add("restore_bounty", func(ctx context.Context) error {
		_, err := s.store.Transition(ctx, b.ID, Update{
			FromEscrow:       []EscrowState{EscrowRefunded},
			ToStatus:         prevStatus,
			ToEscrow:         EscrowHeld,
			PaymentReference: &intentID,
		})
		return undoError(err)
	})

	entries := []*ledger.Entry{{
		UserID:   b.PosterID,
		BountyID: &b.ID,
		Type:     ledger.TypeRefund,
		Amount:   b.Amount,
		Metadata: map[string]string{"reason": "funding_failed"},
	}}
	deposited, err := s.ledger.Exists(ctx, ledger.TypeDeposit, intentID)
	if err != nil {
		_ = sg.Compensate(ctx)
		return err
	}
	if deposited {
		entries = append(entries, &ledger.Entry{
			UserID:      b.PosterID,
			BountyID:    &b.ID,
			Type:        ledger.TypeWithdrawal,
			Amount:      -b.Amount,
			ExternalRef: &intentID,
			Metadata:    map[string]string{"reason": "funding_failed", "detail": reason},
		})
	}
	if err := s.ledger.Append(ctx, entries...); err != nil {
		_ = sg.Compensate(ctx)
		return err
	}
	sg.Complete()

	recordTransition(EventRefund, nil)
	s.logger.WarnContext(ctx, "escrow funding failed, bounty cancelled",
		"bounty_id", b.ID, "intent_id", intentID, "reason", reason)
	return nil
}

// --- helpers ---

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, ErrBountyNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, "Bounty not found", err)
	case errors.Is(err, ErrStaleState):
		return apperr.Wrap(apperr.KindConflict, op, "Bounty was modified by another request, re-fetch and retry", err)
	}
	return err
}

// undoError marks a lost compare-and-swap as final: the bounty has moved on
// and retrying the undo cannot succeed.
func undoError(err error) error {
	if errors.Is(err, ErrStaleState) || errors.Is(err, ErrBountyNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func holdError(err error) error {
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return apperr.Wrap(apperr.KindConflict, "escrow.create", "Bounty is already funded", err)
	}
	return err
}

func recordTransition(ev Event, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(ev), outcome).Inc()
}
