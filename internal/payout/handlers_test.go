package payout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/auth"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/validation"
)

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	r.Use(auth.DevMiddleware())
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1", auth.RequireAuth()))
	return r, f
}

func post(r *gin.Engine, path string, body any, key string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.DevUserHeader, hunter)
	if key != "" {
		req.Header.Set(validation.IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(auth.DevUserHeader, hunter)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_AccountAndWithdrawal(t *testing.T) {
	r, f := setupRouter(t)
	f.provider.SetAccount(payments.Account{ID: account, PayoutsEnabled: true})

	w := get(r, "/v1/connect/account")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(r, "/v1/wallet/withdrawals", gin.H{"amount": 100}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "not onboarded")

	w = post(r, "/v1/connect/account", gin.H{"accountId": account}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _, err := f.ledger.RecordDeposit(t.Context(), hunter, 2000, "pi_seed", nil)
	require.NoError(t, err)

	w = post(r, "/v1/wallet/withdrawals", gin.H{"amount": 1500}, "wd-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		Payout Payout `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StatusSubmitted, body.Payout.Status)

	w = post(r, "/v1/wallet/withdrawals", gin.H{"amount": 1500}, "wd-1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))

	w = post(r, "/v1/wallet/withdrawals", gin.H{"amount": 1500}, "wd-2")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = get(r, "/v1/wallet/withdrawals/"+body.Payout.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, "/v1/wallet/withdrawals")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
}

func TestHandler_Deposit(t *testing.T) {
	r, _ := setupRouter(t)

	w := post(r, "/v1/wallet/deposits", gin.H{"amount": 2500}, "dep-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["clientSecret"])

	w = post(r, "/v1/wallet/deposits", gin.H{"amount": -5}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
