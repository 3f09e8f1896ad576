package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/auth"
	"github.com/mbd888/bountypay/internal/validation"
)

// Handler provides HTTP endpoints for bounties and their escrow.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the bounty routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bounties", h.CreateBounty)
	r.GET("/bounties", h.ListBounties)

	byID := r.Group("/bounties/:id", validation.IDParamMiddleware())
	byID.GET("", h.GetBounty)
	byID.POST("/accept", h.AcceptBounty)
	byID.POST("/cancel", h.CancelBounty)
	byID.POST("/archive", h.ArchiveBounty)
	byID.POST("/escrow", h.CreateEscrow)
	byID.POST("/escrow/release", h.ReleaseEscrow)
	byID.POST("/escrow/refund", h.RefundEscrow)
}

type createBountyBody struct {
	Title      string `json:"title"`
	Amount     int64  `json:"amount"`
	IsForHonor bool   `json:"isForHonor"`
}

// CreateBounty handles POST /v1/bounties
func (h *Handler) CreateBounty(c *gin.Context) {
	var body createBountyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.Respond(c, apperr.New(apperr.KindValidation, "bounty.create", "Invalid request body"))
		return
	}
	title := validation.SanitizeString(body.Title, validation.MaxStringLength)
	if err := validation.Validate(
		validation.Required("title", title),
		validation.MaxLength("title", title, validation.MaxTitleLength),
	).Err("bounty.create"); err != nil {
		apperr.Respond(c, err)
		return
	}

	b, err := h.service.CreateBounty(c.Request.Context(), CreateBountyRequest{
		PosterID:   auth.UserID(c),
		Title:      title,
		Amount:     body.Amount,
		IsForHonor: body.IsForHonor,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bounty": b})
}

// GetBounty handles GET /v1/bounties/:id
func (h *Handler) GetBounty(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounty": b})
}

// ListBounties handles GET /v1/bounties
func (h *Handler) ListBounties(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	bounties, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounties": bounties, "count": len(bounties)})
}

// AcceptBounty handles POST /v1/bounties/:id/accept
func (h *Handler) AcceptBounty(c *gin.Context) {
	b, err := h.service.AcceptBounty(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounty": b})
}

// CancelBounty handles POST /v1/bounties/:id/cancel
func (h *Handler) CancelBounty(c *gin.Context) {
	b, err := h.service.CancelBounty(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounty": b})
}

// ArchiveBounty handles POST /v1/bounties/:id/archive
func (h *Handler) ArchiveBounty(c *gin.Context) {
	b, err := h.service.ArchiveBounty(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bounty": b})
}

type createEscrowBody struct {
	Amount        int64  `json:"amount"`
	FundingSource string `json:"fundingSource"`
}

// CreateEscrow handles POST /v1/bounties/:id/escrow
//
// An Idempotency-Key header makes the call safe to retry: a repeat with the
// same key returns the original response with Idempotent-Replayed: true.
func (h *Handler) CreateEscrow(c *gin.Context) {
	const op = "escrow.create"
	var body createEscrowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.Respond(c, apperr.New(apperr.KindValidation, op, "Invalid request body"))
		return
	}
	if err := validation.Validate(
		validation.PositiveAmount("amount", body.Amount),
		validation.OneOf("fundingSource", body.FundingSource, string(FundingWallet), string(FundingCharge)),
	).Err(op); err != nil {
		apperr.Respond(c, err)
		return
	}
	key, err := validation.IdempotencyKey(c)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	res, replayed, err := h.service.CreateEscrow(c.Request.Context(), CreateEscrowRequest{
		PosterID:       auth.UserID(c),
		BountyID:       c.Param("id"),
		Amount:         body.Amount,
		Funding:        FundingSource(body.FundingSource),
		IdempotencyKey: key,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": res})
}

// ReleaseEscrow handles POST /v1/bounties/:id/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	res, err := h.service.ReleaseEscrow(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"release": res})
}

// RefundEscrow handles POST /v1/bounties/:id/escrow/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	res, err := h.service.RefundEscrow(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": res})
}
