package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/circuitbreaker"
)

func newStripeTest(t *testing.T, h http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewStripeProvider(StripeConfig{
		SecretKey: "sk_test_123",
		APIURL:    srv.URL,
		Timeout:   200 * time.Millisecond,
	}, circuitbreaker.New(3, time.Minute), nil)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestStripe_CreateHold(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "escrow-hold:b-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
		assert.Equal(t, "5000", r.PostForm.Get("amount"))
		assert.Equal(t, "b-1", r.PostForm.Get("metadata[bounty_id]"))
		assert.Equal(t, "escrow", r.PostForm.Get("metadata[purpose]"))
		writeJSON(w, 200, `{"id":"pi_123","object":"payment_intent","amount":5000,"currency":"usd",
			"status":"requires_payment_method","client_secret":"pi_123_secret_abc",
			"metadata":{"bounty_id":"b-1","purpose":"escrow","user_id":"poster"}}`)
	})

	in, err := p.CreateHold(context.Background(), HoldRequest{Amount: 5000, Currency: "usd", BountyID: "b-1", UserID: "poster"}, "escrow-hold:b-1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", in.ID)
	assert.Equal(t, "pi_123_secret_abc", in.ClientSecret)
	assert.Equal(t, "b-1", in.Metadata[MetaBountyID])
}

func TestStripe_DeclineIsDefinite(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 402, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	})

	_, err := p.CreateDeposit(context.Background(), DepositRequest{Amount: 100, Currency: "usd", UserID: "u"}, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsUnknown(err))

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "card_declined", rej.Code)
}

func TestStripe_ServerErrorIsUnknown(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, `{"error":{"type":"api_error","message":"internal"}}`)
	})

	_, err := p.CreateTransfer(context.Background(), TransferRequest{Amount: 100, Currency: "usd", Destination: "acct_1", PayoutID: "p1"}, "payout:p1")
	assert.True(t, IsUnknown(err), "got %v", err)
}

func TestStripe_TimeoutIsUnknown(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		writeJSON(w, 200, `{"id":"tr_1","object":"transfer","amount":100}`)
	})

	_, err := p.CreateTransfer(context.Background(), TransferRequest{Amount: 100, Currency: "usd", Destination: "acct_1", PayoutID: "p1"}, "payout:p1")
	assert.True(t, IsUnknown(err), "got %v", err)
}

func TestStripe_RefundFallsBackWhenCaptured(t *testing.T) {
	var refunds atomic.Int32
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_9/cancel":
			assert.Equal(t, "escrow-refund:b-9:cancel", r.Header.Get("Idempotency-Key"))
			writeJSON(w, 400, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already succeeded"}}`)
		case "/v1/refunds":
			refunds.Add(1)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "pi_9", r.PostForm.Get("payment_intent"))
			assert.Equal(t, "escrow-refund:b-9", r.Header.Get("Idempotency-Key"))
			writeJSON(w, 200, `{"id":"re_1","object":"refund","amount":2000}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := p.Refund(context.Background(), "pi_9", "escrow-refund:b-9")
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.ID)
	assert.False(t, res.Canceled)
	assert.Equal(t, int32(1), refunds.Load())
}

func TestStripe_RefundCancelsUncapturedHold(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_7/cancel", r.URL.Path)
		writeJSON(w, 200, `{"id":"pi_7","object":"payment_intent","status":"canceled"}`)
	})

	res, err := p.Refund(context.Background(), "pi_7", "escrow-refund:b-7")
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Equal(t, "pi_7", res.ID)
}

func TestStripe_BreakerOpensOnProviderFailures(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, 503, `{"error":{"type":"api_error","message":"unavailable"}}`)
	})

	for i := 0; i < 3; i++ {
		_, _ = p.GetAccount(context.Background(), "acct_1")
	}
	_, err := p.GetAccount(context.Background(), "acct_1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsUnknown(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestStripe_DeclinesDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, 400, `{"error":{"type":"invalid_request_error","code":"account_invalid","message":"bad"}}`)
	})

	for i := 0; i < 5; i++ {
		_, err := p.GetAccount(context.Background(), "acct_1")
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestStripe_GetAccount(t *testing.T) {
	p := newStripeTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct_42", r.URL.Path)
		writeJSON(w, 200, `{"id":"acct_42","object":"account","payouts_enabled":true,"details_submitted":true}`)
	})

	a, err := p.GetAccount(context.Background(), "acct_42")
	require.NoError(t, err)
	assert.True(t, a.PayoutsEnabled)
	assert.True(t, a.DetailsSubmitted)
}
