package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/traces"
)

// DefaultRetryGrace is how long an unknown payout waits before RetryUnknown
// re-issues its transfer.
const DefaultRetryGrace = 10 * time.Minute

// Ledger is the part of the ledger payouts write to.
type Ledger interface {
	Append(ctx context.Context, entries ...*ledger.Entry) error
	AppendDebit(ctx context.Context, entry *ledger.Entry, floor int64) error
	Exists(ctx context.Context, typ ledger.EntryType, ref string) (bool, error)
}

// FloorSource returns the lowest balance a debit may leave for a user.
type FloorSource interface {
	Floor(ctx context.Context, userID string) (int64, error)
}

// Service dispatches payouts and tracks connected accounts.
type Service struct {
	store    Store
	ledger   Ledger
	floors   FloorSource
	provider payments.Provider
	currency string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a payout service.
func NewService(store Store, l Ledger, floors FloorSource, provider payments.Provider, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		store:    store,
		ledger:   l,
		floors:   floors,
		provider: provider,
		currency: currency,
		logger:   logger,
		now:      time.Now,
	}
}

// --- connected accounts ---

// RegisterAccount links the user to a provider account after confirming it
// exists. Re-registering refreshes the stored flags.
func (s *Service) RegisterAccount(ctx context.Context, userID, externalID string) (*ConnectAccount, error) {
	const op = "payout.register_account"
	acct, err := s.provider.GetAccount(ctx, externalID)
	if err != nil {
		if errors.Is(err, payments.ErrRejected) {
			return nil, apperr.Wrap(apperr.KindValidation, op, "Connected account could not be found at the payment provider", err)
		}
		return nil, payments.AppError(op, err)
	}

	now := s.now()
	a := &ConnectAccount{
		UserID:            userID,
		ExternalAccountID: acct.ID,
		PayoutsEnabled:    acct.PayoutsEnabled,
		DetailsSubmitted:  acct.DetailsSubmitted,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		if errors.Is(err, ErrAccountTaken) {
			return nil, apperr.Wrap(apperr.KindConflict, op, "Connected account is linked to another user", err)
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "connected account registered",
		"user_id", userID, "account_id", acct.ID, "payouts_enabled", acct.PayoutsEnabled)
	return a, nil
}

// SyncAccount applies provider-reported account flags. Accounts nobody has
// registered are ignored.
func (s *Service) SyncAccount(ctx context.Context, acct payments.Account) error {
	a, err := s.store.GetAccountByExternalID(ctx, acct.ID)
	if errors.Is(err, ErrAccountNotFound) {
		s.logger.InfoContext(ctx, "account update for unregistered account ignored", "account_id", acct.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if a.PayoutsEnabled == acct.PayoutsEnabled && a.DetailsSubmitted == acct.DetailsSubmitted {
		return nil
	}
	a.PayoutsEnabled = acct.PayoutsEnabled
	a.DetailsSubmitted = acct.DetailsSubmitted
	a.UpdatedAt = s.now()
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "connected account synced",
		"user_id", a.UserID, "account_id", a.ExternalAccountID, "payouts_enabled", a.PayoutsEnabled)
	return nil
}

// GetAccount returns the user's connected account.
func (s *Service) GetAccount(ctx context.Context, userID string) (*ConnectAccount, error) {
	a, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "payout.account", "No connected account", err)
	}
	return a, err
}

// --- deposits ---

// CreateDeposit starts a wallet top-up. The wallet is credited when the
// provider confirms the payment.
func (s *Service) CreateDeposit(ctx context.Context, userID string, amount int64, key string) (*payments.Intent, error) {
	const op = "wallet.deposit"
	if amount <= 0 {
		return nil, apperr.New(apperr.KindValidation, op, "Amount must be positive")
	}
	if key == "" {
		key = idgen.New()
	}
	intent, err := s.provider.CreateDeposit(ctx, payments.DepositRequest{
		Amount:   amount,
		Currency: s.currency,
		UserID:   userID,
	}, "deposit:"+userID+":"+key)
	if err != nil {
		return nil, payments.AppError(op, err)
	}
	s.logger.InfoContext(ctx, "deposit intent created", "user_id", userID, "amount", amount, "intent_id", intent.ID)
	return intent, nil
}

// --- payouts ---

// WithdrawRequest contains the parameters for a payout.
type WithdrawRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
}

// Withdraw moves amount from the user's wallet to their connected account.
// A repeated idempotency key returns the existing payout with replayed set.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (p *Payout, replayed bool, err error) {
	const op = "payout.withdraw"
	ctx, span := traces.StartSpan(ctx, op, traces.UserID(req.UserID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if req.Amount <= 0 {
		return nil, false, apperr.New(apperr.KindValidation, op, "Amount must be positive")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idgen.New()
	}

	if existing, err := s.store.GetByKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
		return s.replay(existing, req)
	} else if !errors.Is(err, ErrPayoutNotFound) {
		return nil, false, err
	}

	acct, err := s.store.GetAccount(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}
	if acct == nil || !acct.PayoutsEnabled {
		return nil, false, apperr.New(apperr.KindNotOnboarded, op, "Complete payout onboarding before withdrawing")
	}

	floor, err := s.floors.Floor(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	p = &Payout{
		ID:             idgen.WithPrefix("po_"),
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       s.currency,
		Destination:    acct.ExternalAccountID,
		Status:         StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			existing, gerr := s.store.GetByKey(ctx, req.UserID, req.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return s.replay(existing, req)
		}
		return nil, false, err
	}

	debit := &ledger.Entry{
		UserID:      p.UserID,
		Type:        ledger.TypeWithdrawal,
		Amount:      -p.Amount,
		ExternalRef: ledger.Ref(p.LedgerRef()),
		Metadata:    map[string]string{payments.MetaPayoutID: p.ID, "destination": p.Destination},
	}
	if err := s.ledger.AppendDebit(ctx, debit, floor); err != nil {
		reason := "ledger_error"
		if apperr.Is(err, apperr.KindInsufficientFunds) {
			reason = "insufficient_funds"
		}
		s.finish(ctx, p, StatusFailed, reason, StatusPending)
		return nil, false, err
	}
	p.LedgerEntryID = debit.ID
	if err := s.store.Update(ctx, p, StatusPending); err != nil {
		s.logger.ErrorContext(ctx, "failed to record payout debit", "payout_id", p.ID, "error", err)
	}

	if err := s.dispatch(ctx, p); err != nil {
		return p, false, err
	}
	return p, false, nil
}

func (s *Service) replay(p *Payout, req WithdrawRequest) (*Payout, bool, error) {
	if p.Amount != req.Amount {
		return nil, false, apperr.New(apperr.KindValidation, "payout.withdraw",
			"Idempotency key was already used with a different amount")
	}
	return p, true, nil
}

// dispatch requests the transfer for a debited payout. Repeat calls reuse
// the payout's provider idempotency key.
func (s *Service) dispatch(ctx context.Context, p *Payout) error {
	const op = "payout.transfer"
	from := p.Status
	tr, err := s.provider.CreateTransfer(ctx, payments.TransferRequest{
		Amount:      p.Amount,
		Currency:    p.Currency,
		Destination: p.Destination,
		UserID:      p.UserID,
		PayoutID:    p.ID,
	}, p.LedgerRef())

	switch {
	case err == nil:
		p.ExternalTransferID = tr.ID
		s.finish(ctx, p, StatusSubmitted, "", from)
		s.logger.InfoContext(ctx, "payout submitted", "payout_id", p.ID, "user_id", p.UserID,
			"amount", p.Amount, "transfer_id", tr.ID)
		return nil

	case payments.IsUnknown(err) || (errors.Is(err, payments.ErrUnavailable) && from == StatusUnknown):
		// The transfer may exist. Keep the debit and resolve later.
		s.finish(ctx, p, StatusUnknown, err.Error(), from)
		s.logger.WarnContext(ctx, "payout outcome unknown", "payout_id", p.ID, "error", err)
		return payments.AppError(op, err)

	default:
		if cerr := s.compensate(ctx, p, err.Error()); cerr != nil {
			return cerr
		}
		return payments.AppError(op, err)
	}
}

// compensate credits a failed payout back to the wallet once and marks it
// failed.
func (s *Service) compensate(ctx context.Context, p *Payout, reason string) error {
	ref := p.LedgerRef()
	debited, err := s.ledger.Exists(ctx, ledger.TypeWithdrawal, ref)
	if err != nil {
		return err
	}
	done, err := s.ledger.Exists(ctx, ledger.TypeRefund, ref)
	if err != nil {
		return err
	}
	if debited && !done {
		err := s.ledger.Append(ctx, &ledger.Entry{
			UserID:      p.UserID,
			Type:        ledger.TypeRefund,
			Amount:      p.Amount,
			ExternalRef: ledger.Ref(ref),
			Metadata:    map[string]string{payments.MetaPayoutID: p.ID, "reason": reason},
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateEntry) {
			metrics.CompensationsTotal.WithLabelValues("payout", "failed").Inc()
			s.logger.ErrorContext(ctx, "CRITICAL: payout compensation failed, manual reconciliation required",
				"payout_id", p.ID, "user_id", p.UserID, "amount", p.Amount, "error", err)
			return err
		}
		metrics.CompensationsTotal.WithLabelValues("payout", "ok").Inc()
	}
	s.finish(ctx, p, StatusFailed, reason)
	s.logger.WarnContext(ctx, "payout failed, funds returned to wallet", "payout_id", p.ID, "reason", reason)
	return nil
}

// finish moves p to status. A lost race is logged and left to the winner.
func (s *Service) finish(ctx context.Context, p *Payout, status Status, reason string, from ...Status) {
	p.Status = status
	p.FailureReason = reason
	p.UpdatedAt = s.now()
	if err := s.store.Update(ctx, p, from...); err != nil {
		s.logger.WarnContext(ctx, "payout status not updated", "payout_id", p.ID, "status", status, "error", err)
		return
	}
	metrics.PayoutsTotal.WithLabelValues(string(status)).Inc()
}

// DispatchRelease pays out a hunter's bounty release, keyed on the bounty
// so a repeat never pays twice.
func (s *Service) DispatchRelease(ctx context.Context, userID string, amount int64, bountyID string) error {
	_, _, err := s.Withdraw(ctx, WithdrawRequest{UserID: userID, Amount: amount, IdempotencyKey: "release:" + bountyID})
	return err
}

// RetryUnknown re-issues transfers for payouts whose outcome has been
// unknown for longer than grace. It returns how many were resolved.
func (s *Service) RetryUnknown(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if grace <= 0 {
		grace = DefaultRetryGrace
	}
	stuck, err := s.store.ListByStatus(ctx, StatusUnknown, s.now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, p := range stuck {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		err := s.dispatch(ctx, p)
		if p.Status != StatusUnknown {
			resolved++
		}
		if err != nil {
			s.logger.InfoContext(ctx, "payout retry", "payout_id", p.ID, "status", p.Status, "error", err)
		}
	}
	return resolved, nil
}

// resolve finds the payout a transfer event refers to.
func (s *Service) resolve(ctx context.Context, transferID, payoutID string) (*Payout, error) {
	var (
		p   *Payout
		err error
	)
	if payoutID != "" {
		p, err = s.store.Get(ctx, payoutID)
	} else {
		p, err = s.store.GetByTransfer(ctx, transferID)
	}
	if errors.Is(err, ErrPayoutNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "payout.resolve",
			fmt.Sprintf("No payout for transfer %s", transferID), err)
	}
	return p, err
}

// MarkTransferSubmitted records that the provider created the transfer.
func (s *Service) MarkTransferSubmitted(ctx context.Context, transferID, payoutID string) error {
	p, err := s.resolve(ctx, transferID, payoutID)
	if err != nil {
		return err
	}
	if p.Status != StatusPending && p.Status != StatusUnknown {
		return nil
	}
	p.ExternalTransferID = transferID
	s.finish(ctx, p, StatusSubmitted, "", StatusPending, StatusUnknown)
	return nil
}

// MarkTransferPaid records that the transfer reached the connected account.
func (s *Service) MarkTransferPaid(ctx context.Context, transferID, payoutID string) error {
	p, err := s.resolve(ctx, transferID, payoutID)
	if err != nil {
		return err
	}
	if p.Status == StatusPaid || p.Status == StatusFailed {
		return nil
	}
	p.ExternalTransferID = transferID
	s.finish(ctx, p, StatusPaid, "", StatusPending, StatusSubmitted, StatusUnknown)
	return nil
}

// FailTransfer compensates a transfer the provider reports as failed or
// reversed. Redelivery is a no-op.
func (s *Service) FailTransfer(ctx context.Context, transferID, payoutID, reason string) error {
	p, err := s.resolve(ctx, transferID, payoutID)
	if err != nil {
		return err
	}
	if p.Status == StatusFailed {
		return nil
	}
	if transferID != "" {
		p.ExternalTransferID = transferID
	}
	return s.compensate(ctx, p, reason)
}

// Get returns one of the user's payouts.
func (s *Service) Get(ctx context.Context, userID, id string) (*Payout, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrPayoutNotFound) || (err == nil && p.UserID != userID) {
		return nil, apperr.New(apperr.KindNotFound, "payout.get", "Payout not found")
	}
	return p, err
}

// List returns the user's payouts, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Payout, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
