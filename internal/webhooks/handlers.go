package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/metrics"
)

// SignatureHeader carries the provider's payload signature.
const SignatureHeader = "Stripe-Signature"

// MaxPayloadSize bounds an inbound event body.
const MaxPayloadSize = 256 * 1024

// Processor applies a verified event.
type Processor interface {
	Process(ctx context.Context, evt *Event) error
}

// ClaimChecker reports whether an idempotency key is already held.
type ClaimChecker interface {
	IsClaimed(ctx context.Context, key string) bool
}

// Handler receives provider webhooks.
type Handler struct {
	verifier  Verifier
	processor Processor
	claims    ClaimChecker
}

// NewHandler creates a new webhook handler
func NewHandler(verifier Verifier, processor Processor) *Handler {
	return &Handler{verifier: verifier, processor: processor}
}

// WithClaims acknowledges redeliveries of claimed events without
// processing them.
func (h *Handler) WithClaims(claims ClaimChecker) *Handler {
	h.claims = claims
	return h
}

// RegisterRoutes sets up webhook routes. They sit outside user auth; the
// signature is the credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil {
		apperr.Respond(c, apperr.Wrap(apperr.KindValidation, "webhooks.receive", "Unreadable request body", err))
		return
	}
	if len(body) > MaxPayloadSize {
		apperr.Respond(c, apperr.New(apperr.KindValidation, "webhooks.receive", "Payload too large"))
		return
	}

	evt, err := h.verifier.Verify(body, c.GetHeader(SignatureHeader))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		apperr.Respond(c, err)
		return
	}

	if h.claims != nil && h.claims.IsClaimed(ctx, EventKey(evt.ID)) {
		metrics.WebhookEventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.processor.Process(ctx, evt); err != nil {
		if Retryable(err) {
			apperr.Respond(c, err)
			return
		}
		// Redelivery cannot fix this; the event stays unprocessed for replay.
		logging.L(ctx).Warn("webhook acknowledged without processing",
			"event_id", evt.ID, "event_type", evt.Type, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
