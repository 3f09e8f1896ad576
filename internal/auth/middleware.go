// Package auth verifies Supabase access tokens and exposes the caller's
// user id to handlers.
package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/logging"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

// DevUserHeader carries the caller id when token verification is disabled
// in development.
const DevUserHeader = "X-User-ID"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Supabase signs access tokens for signed-in users with this audience.
const supabaseAudience = "authenticated"

// Verifier validates HS256 tokens signed with the project JWT secret.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier creates a verifier for the given JWT secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: supabaseAudience}
}

// Verify parses token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Middleware authenticates the bearer token when one is present. Requests
// without a valid token continue unauthenticated; RequireAuth rejects them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			userID, err := v.Verify(strings.TrimSpace(token))
			if err == nil {
				setUser(c, userID)
			} else {
				logging.L(c.Request.Context()).Debug("token rejected", "error", err)
			}
		}
		c.Next()
	}
}

// DevMiddleware trusts the X-User-ID header. It is only installed in
// development when no JWT secret is configured.
func DevMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader(DevUserHeader)); userID != "" {
			setUser(c, userID)
		}
		c.Next()
	}
}

func setUser(c *gin.Context, userID string) {
	c.Set(ContextKeyUserID, userID)
	c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
}

// RequireAuth rejects requests that carry no authenticated user.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			apperr.Respond(c, apperr.New(apperr.KindUnauthorized, "auth",
				"Authentication required. Include 'Authorization: Bearer <token>' header."))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated caller, or "" when there is none.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
