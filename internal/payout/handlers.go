package payout

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/auth"
	"github.com/mbd888/bountypay/internal/validation"
)

// Handler provides HTTP endpoints for deposits, withdrawals and connected
// accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the money-movement routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits", h.CreateDeposit)
	r.POST("/wallet/withdrawals", h.CreateWithdrawal)
	r.GET("/wallet/withdrawals", h.ListWithdrawals)
	r.GET("/wallet/withdrawals/:id", h.GetWithdrawal)
	r.POST("/connect/account", h.RegisterAccount)
	r.GET("/connect/account", h.GetAccount)
}

type amountBody struct {
	Amount int64 `json:"amount"`
}

func bindAmount(c *gin.Context, op string) (int64, string, bool) {
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.Respond(c, apperr.New(apperr.KindValidation, op, "Invalid request body"))
		return 0, "", false
	}
	if err := validation.Validate(validation.PositiveAmount("amount", body.Amount)).Err(op); err != nil {
		apperr.Respond(c, err)
		return 0, "", false
	}
	key, err := validation.IdempotencyKey(c)
	if err != nil {
		apperr.Respond(c, err)
		return 0, "", false
	}
	return body.Amount, key, true
}

// CreateDeposit handles POST /v1/wallet/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	amount, key, ok := bindAmount(c, "wallet.deposit")
	if !ok {
		return
	}
	intent, err := h.service.CreateDeposit(c.Request.Context(), auth.UserID(c), amount, key)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"intentId":     intent.ID,
		"clientSecret": intent.ClientSecret,
		"amount":       intent.Amount,
		"currency":     intent.Currency,
	})
}

// CreateWithdrawal handles POST /v1/wallet/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	amount, key, ok := bindAmount(c, "payout.withdraw")
	if !ok {
		return
	}
	p, replayed, err := h.service.Withdraw(c.Request.Context(), WithdrawRequest{
		UserID:         auth.UserID(c),
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// ListWithdrawals handles GET /v1/wallet/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	payouts, err := h.service.List(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// GetWithdrawal handles GET /v1/wallet/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

type registerAccountBody struct {
	AccountID string `json:"accountId"`
}

// RegisterAccount handles POST /v1/connect/account
func (h *Handler) RegisterAccount(c *gin.Context) {
	const op = "payout.register_account"
	var body registerAccountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.Respond(c, apperr.New(apperr.KindValidation, op, "Invalid request body"))
		return
	}
	if err := validation.Validate(
		validation.Required("accountId", body.AccountID),
		validation.MaxLength("accountId", body.AccountID, 255),
	).Err(op); err != nil {
		apperr.Respond(c, err)
		return
	}

	a, err := h.service.RegisterAccount(c.Request.Context(), auth.UserID(c), body.AccountID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// GetAccount handles GET /v1/connect/account
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.service.GetAccount(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}
