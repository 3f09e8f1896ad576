package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/logging"
)

func TestKindOf_WalksWrappedChain(t *testing.T) {
	base := New(KindConflict, "escrow.release", "bounty already settled")
	wrapped := fmt.Errorf("outer: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindInternal))
}

func TestWrap_PreservesSentinel(t *testing.T) {
	sentinel := errors.New("bounty not found")
	err := Wrap(KindNotFound, "escrow.get", "Bounty not found", sentinel)

	assert.True(t, errors.Is(err, sentinel))
	assert.Nil(t, Wrap(KindNotFound, "op", "msg", nil))
}

func TestExternal_UnknownOutcome(t *testing.T) {
	err := External("payments.transfer", errors.New("timeout"), true)
	assert.True(t, IsUnknownOutcome(err))
	assert.Equal(t, KindExternalService, KindOf(err))

	definite := External("payments.transfer", errors.New("card declined"), false)
	assert.False(t, IsUnknownOutcome(definite))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindInvalidSignature:  http.StatusBadRequest,
		KindUnauthorized:      http.StatusUnauthorized,
		KindForbidden:         http.StatusForbidden,
		KindNotFound:          http.StatusNotFound,
		KindConflict:          http.StatusConflict,
		KindInsufficientFunds: http.StatusPaymentRequired,
		KindNotOnboarded:      http.StatusUnprocessableEntity,
		KindRateLimited:       http.StatusTooManyRequests,
		KindExternalService:   http.StatusBadGateway,
		KindUnavailable:       http.StatusServiceUnavailable,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}

func TestRespond_HidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/boom", func(c *gin.Context) {
		ctx := logging.WithRequestID(c.Request.Context(), "req-123")
		c.Request = c.Request.WithContext(ctx)
		Respond(c, errors.New("pq: connection refused to 10.0.0.5"))
	})
	r.GET("/conflict", func(c *gin.Context) {
		Respond(c, New(KindConflict, "op", "Escrow already released"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["error"])
	assert.Equal(t, "req-123", body["requestId"])
	assert.NotContains(t, body["message"], "10.0.0.5")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Escrow already released", body["message"])
}
