// Package idgen generates identifiers for bounties, ledger entries and payouts.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex characters, e.g. "po_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
