package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", DBChecker("database", func(context.Context) error { return nil }))
	r.Register("stripe", func(context.Context) Status {
		return Status{Healthy: false, Detail: "circuit open: transfers"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "stripe", statuses[1].Name, "missing names are filled from registration")
	assert.False(t, statuses[1].Healthy)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewRegistry()
	r.Register("database", DBChecker("database", func(context.Context) error { return errors.New("down") }))

	router := gin.New()
	router.GET("/health", Handler(r, "test"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string   `json:"status"`
		Checks []Status `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "ping failed", body.Checks[0].Detail)
}
