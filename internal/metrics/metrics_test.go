package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), tt.code)
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/bounties/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/bounties/:id", "2xx"))

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/bounties/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/bounties/:id", "2xx"))
	assert.Equal(t, before+3, after)
}

func TestObserveProviderCall(t *testing.T) {
	before := testutil.CollectAndCount(ProviderCallDuration)
	ObserveProviderCall("test_op_ok", time.Now(), nil)
	ObserveProviderCall("test_op_err", time.Now(), errors.New("boom"))
	assert.Equal(t, before+2, testutil.CollectAndCount(ProviderCallDuration))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	GoroutineCount.Set(1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "bountypay_goroutines"))
}
