package ledger

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/auth"
	"github.com/mbd888/bountypay/internal/money"
)

// Reserver reports the part of a balance that is held back from spending.
type Reserver interface {
	Reserve(ctx context.Context, userID string) (int64, error)
}

// Handler provides the wallet read endpoints.
type Handler struct {
	ledger   *Ledger
	reserver Reserver
	currency string
}

// NewHandler creates a wallet handler. reserver may be nil, in which case
// nothing is held back.
func NewHandler(l *Ledger, reserver Reserver, currency string) *Handler {
	return &Handler{ledger: l, reserver: reserver, currency: currency}
}

// RegisterRoutes mounts the wallet routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/transactions", h.ListTransactions)
}

// GetBalance handles GET /v1/wallet/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)

	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	var reserve int64
	if h.reserver != nil {
		if reserve, err = h.reserver.Reserve(ctx, userID); err != nil {
			apperr.Respond(c, err)
			return
		}
	}
	available := max(balance-reserve, 0)

	c.JSON(http.StatusOK, gin.H{
		"userId":           userID,
		"currency":         h.currency,
		"balance":          balance,
		"reserve":          reserve,
		"available":        available,
		"balanceDisplay":   money.Format(balance),
		"availableDisplay": money.Format(available),
	})
}

// ListTransactions handles GET /v1/wallet/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	entries, err := h.ledger.History(c.Request.Context(), auth.UserID(c), limit, offset)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries, "count": len(entries)})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, "ledger.query", name+" must be a non-negative integer")
	}
	return n, nil
}
