// Package risk assigns each user a risk tier. The tier decides how much of
// the user's recent incoming volume is held back as a reserve.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotFound    = errors.New("risk classification not found")
	ErrInvalidTier = errors.New("invalid risk tier")
)

// Tier is a user's risk classification.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

func (t Tier) rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	}
	return 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.rank() > 0 }

// ParseTier converts s into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Classification is the current tier of a user.
type Classification struct {
	UserID    string    `json:"userId"`
	Tier      Tier      `json:"tier"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TierChange is one entry in a user's tier history.
type TierChange struct {
	UserID    string    `json:"userId"`
	From      Tier      `json:"from"`
	To        Tier      `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

// Store persists classifications and their history.
type Store interface {
	Get(ctx context.Context, userID string) (*Classification, error)
	// Set stores c and appends a history row from the previous tier.
	Set(ctx context.Context, c *Classification, from Tier) error
	History(ctx context.Context, userID string, limit int) ([]*TierChange, error)
}

// Classifier reads and changes risk tiers.
type Classifier struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewClassifier creates a classifier over store.
func NewClassifier(store Store, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{store: store, logger: logger, now: time.Now}
}

// Tier returns the user's tier. Users never classified are low risk.
func (c *Classifier) Tier(ctx context.Context, userID string) (Tier, error) {
	cl, err := c.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return TierLow, nil
	}
	if err != nil {
		return "", err
	}
	return cl.Tier, nil
}

// SetTier assigns tier unconditionally (operator action).
func (c *Classifier) SetTier(ctx context.Context, userID string, tier Tier, reason string) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	current, err := c.Tier(ctx, userID)
	if err != nil {
		return err
	}
	if current == tier {
		return nil
	}
	return c.set(ctx, userID, current, tier, reason)
}

// Escalate raises the user's tier to at least tier. It never lowers a
// tier and reports whether anything changed.
func (c *Classifier) Escalate(ctx context.Context, userID string, tier Tier, reason string) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	current, err := c.Tier(ctx, userID)
	if err != nil {
		return false, err
	}
	if current.rank() >= tier.rank() {
		return false, nil
	}
	if err := c.set(ctx, userID, current, tier, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Classifier) set(ctx context.Context, userID string, from, to Tier, reason string) error {
	err := c.store.Set(ctx, &Classification{UserID: userID, Tier: to, Reason: reason, UpdatedAt: c.now()}, from)
	if err != nil {
		return err
	}
	c.logger.WarnContext(ctx, "risk tier changed", "user_id", userID, "from", from, "to", to, "reason", reason)
	return nil
}

// History returns the user's tier changes, newest first.
func (c *Classifier) History(ctx context.Context, userID string, limit int) ([]*TierChange, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.History(ctx, userID, limit)
}
