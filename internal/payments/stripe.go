package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/bountypay/internal/circuitbreaker"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/traces"
)

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey string
	// APIURL overrides the API base URL. Tests point it at httptest.
	APIURL  string
	Timeout time.Duration
}

// StripeProvider implements Provider with stripe-go.
type StripeProvider struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewStripeProvider creates a Stripe-backed provider. Network retries are
// disabled in the SDK: retrying is the caller's decision and always reuses
// the same idempotency key.
func NewStripeProvider(cfg StripeConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) *StripeProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeProvider{api: api, breaker: breaker, logger: logger}
}

// call runs fn under the breaker, records latency and a span, and
// classifies the error.
func (s *StripeProvider) call(ctx context.Context, op string, fn func() error) error {
	ctx, span := traces.StartSpan(ctx, "payments."+op, traces.Operation(op))
	start := time.Now()

	err := s.breaker.Execute("stripe:"+op, fn, countsAgainstProvider)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %s circuit open", ErrUnavailable, op)
	} else if err != nil {
		err = classify(err)
		s.logger.WarnContext(ctx, "stripe call failed", "operation", op, "error", err)
	}

	metrics.ObserveProviderCall(op, start, err)
	traces.End(span, err)
	return err
}

// countsAgainstProvider keeps client-side rejections (declines, bad
// requests) from tripping the breaker.
func countsAgainstProvider(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

// classify sorts a stripe-go error into a definite or unknown outcome.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure: the request may have reached Stripe.
		return fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	switch {
	case se.HTTPStatusCode >= 500, se.HTTPStatusCode == http.StatusConflict:
		// 409 is an idempotency conflict with a request still in flight.
		return fmt.Errorf("%w: stripe %d %s", ErrUnknownOutcome, se.HTTPStatusCode, se.Code)
	default:
		return &RejectedError{Status: se.HTTPStatusCode, Code: string(se.Code), Msg: se.Msg}
	}
}

// RejectedError is a definite provider refusal.
type RejectedError struct {
	Status int
	Code   string
	Msg    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("stripe rejected request: %d %s: %s", e.Status, e.Code, e.Msg)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

func prepare(ctx context.Context, p *stripe.Params, key string, meta map[string]string) {
	p.Context = ctx
	if key != "" {
		p.SetIdempotencyKey(key)
	}
	for k, v := range meta {
		if v != "" {
			p.AddMetadata(k, v)
		}
	}
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}
}

func (s *StripeProvider) CreateHold(ctx context.Context, req HoldRequest, key string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	prepare(ctx, &params.Params, key, map[string]string{
		MetaBountyID: req.BountyID,
		MetaUserID:   req.UserID,
		MetaPurpose:  PurposeEscrow,
	})

	var out *Intent
	err := s.call(ctx, "create_hold", func() error {
		pi, err := s.api.PaymentIntents.New(params)
		if err != nil {
			return err
		}
		out = toIntent(pi)
		return nil
	})
	return out, err
}

func (s *StripeProvider) CaptureHold(ctx context.Context, intentID, key string) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	prepare(ctx, &params.Params, key, nil)

	var out *Intent
	err := s.call(ctx, "capture_hold", func() error {
		pi, err := s.api.PaymentIntents.Capture(intentID, params)
		if err != nil {
			return err
		}
		out = toIntent(pi)
		return nil
	})
	return out, err
}

func (s *StripeProvider) CancelHold(ctx context.Context, intentID, key string) error {
	params := &stripe.PaymentIntentCancelParams{}
	prepare(ctx, &params.Params, key, nil)

	return s.call(ctx, "cancel_hold", func() error {
		_, err := s.api.PaymentIntents.Cancel(intentID, params)
		return err
	})
}

// Refund voids an uncaptured hold, or refunds the charge when the intent
// was already captured.
func (s *StripeProvider) Refund(ctx context.Context, intentID, key string) (*RefundResult, error) {
	cancelParams := &stripe.PaymentIntentCancelParams{}
	prepare(ctx, &cancelParams.Params, key+":cancel", nil)

	var out *RefundResult
	err := s.call(ctx, "refund", func() error {
		_, err := s.api.PaymentIntents.Cancel(intentID, cancelParams)
		if err == nil {
			out = &RefundResult{ID: intentID, Canceled: true}
			return nil
		}
		var se *stripe.Error
		if !errors.As(err, &se) || se.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
			return err
		}

		refundParams := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
		prepare(ctx, &refundParams.Params, key, nil)
		r, err := s.api.Refunds.New(refundParams)
		if err != nil {
			return err
		}
		out = &RefundResult{ID: r.ID}
		return nil
	})
	return out, err
}

func (s *StripeProvider) CreateDeposit(ctx context.Context, req DepositRequest, key string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	prepare(ctx, &params.Params, key, map[string]string{
		MetaUserID:  req.UserID,
		MetaPurpose: PurposeDeposit,
	})

	var out *Intent
	err := s.call(ctx, "create_deposit", func() error {
		pi, err := s.api.PaymentIntents.New(params)
		if err != nil {
			return err
		}
		out = toIntent(pi)
		return nil
	})
	return out, err
}

func (s *StripeProvider) CreateTransfer(ctx context.Context, req TransferRequest, key string) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String("payout:" + req.PayoutID),
	}
	prepare(ctx, &params.Params, key, map[string]string{
		MetaUserID:   req.UserID,
		MetaPayoutID: req.PayoutID,
		"amount":     strconv.FormatInt(req.Amount, 10),
	})

	var out *Transfer
	err := s.call(ctx, "create_transfer", func() error {
		tr, err := s.api.Transfers.New(params)
		if err != nil {
			return err
		}
		out = &Transfer{ID: tr.ID, Amount: tr.Amount, Destination: req.Destination}
		return nil
	})
	return out, err
}

func (s *StripeProvider) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	var out *Account
	err := s.call(ctx, "get_account", func() error {
		acct, err := s.api.Accounts.GetByID(accountID, params)
		if err != nil {
			return err
		}
		out = &Account{ID: acct.ID, PayoutsEnabled: acct.PayoutsEnabled, DetailsSubmitted: acct.DetailsSubmitted}
		return nil
	})
	return out, err
}

var _ Provider = (*StripeProvider)(nil)
