// Package validation provides input validation helpers and middleware for
// the bounty API.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/idgen"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxTitleLength bounds bounty titles.
const MaxTitleLength = 200

// IdempotencyHeader carries the client's idempotency key on mutating requests.
const IdempotencyHeader = "Idempotency-Key"

// idempotencyKeyRegex allows printable keys up to 255 characters
var idempotencyKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,255}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err returns e as a validation apperr, or nil when e is empty.
func (e ValidationErrors) Err(op string) error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.KindValidation, op, e.Error(), e)
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a field is a UUID
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !idgen.Valid(value) {
			return &ValidationError{Field: field, Message: "must be a valid id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that a minor-unit amount is greater than zero
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// OneOf checks that a field is empty or one of the allowed values
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// IdempotencyKey returns the request's idempotency key, or "" when absent.
// A malformed key is a validation error.
func IdempotencyKey(c *gin.Context) (string, error) {
	key := c.GetHeader(IdempotencyHeader)
	if key == "" {
		return "", nil
	}
	if !idempotencyKeyRegex.MatchString(key) {
		return "", apperr.New(apperr.KindValidation, "validation.idempotency_key",
			IdempotencyHeader+" must be 1-255 characters of letters, digits, or _-.:")
	}
	return key, nil
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed ids early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !idgen.Valid(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   string(apperr.KindValidation),
				"message": "id must be a valid UUID",
			})
			return
		}
		c.Next()
	}
}
