// Package apperr defines the error kinds surfaced to API callers and maps
// them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/logging"
)

// Kind is a stable, caller-visible error classification.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindNotOnboarded      Kind = "not_onboarded"
	KindExternalService   Kind = "external_service_error"
	KindInvalidSignature  Kind = "invalid_signature"
	KindRateLimited       Kind = "rate_limit_exceeded"
	KindUnavailable       Kind = "unavailable"
	KindInternal          Kind = "internal_error"
)

// Error carries a Kind alongside the underlying cause. Message is safe to
// show to end users; Err is for logs only.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Unknown marks an external call whose outcome could not be determined
	// (timeout, network failure). Callers retry with the same idempotency key.
	Unknown bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Message
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// External wraps a provider failure. unknown reports whether the provider
// may still have applied the operation.
func External(op string, err error, unknown bool) error {
	msg := "payment provider request failed"
	if unknown {
		msg = "payment provider outcome unknown, retry with the same idempotency key"
	}
	return &Error{Kind: KindExternalService, Op: op, Message: msg, Err: err, Unknown: unknown}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsUnknownOutcome reports whether err is an external failure with an
// undetermined result.
func IsUnknownOutcome(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Unknown
}

// HTTPStatus maps a kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidSignature:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindNotOnboarded:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing message for err. Internal errors never
// expose their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "An unexpected error occurred"
}

// Respond writes err as a JSON error body and logs it with the request id.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)
	ctx := c.Request.Context()

	if status >= http.StatusInternalServerError {
		logging.L(ctx).Error("request failed", "kind", kind, "error", err, "path", c.FullPath())
	} else {
		logging.L(ctx).Info("request rejected", "kind", kind, "error", err, "path", c.FullPath())
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":     string(kind),
		"message":   Message(err),
		"requestId": logging.RequestID(ctx),
	})
}
