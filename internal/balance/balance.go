// Package balance derives a user's spendable funds from the ledger and
// their risk tier.
//
//	balance   = sum of completed ledger entries
//	reserve   = tier bps x credit volume over the trailing window
//	available = max(0, balance - reserve)
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/bountypay/internal/money"
	"github.com/mbd888/bountypay/internal/risk"
)

// Ledger is the read side of the ledger store the calculator needs.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	CreditVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// TierSource returns a user's risk tier.
type TierSource interface {
	Tier(ctx context.Context, userID string) (risk.Tier, error)
}

// ReservePolicy maps tiers to holdback basis points over a window.
type ReservePolicy struct {
	LowBPS    int64
	MediumBPS int64
	HighBPS   int64
	Window    time.Duration
}

// DefaultReservePolicy holds nothing back from low-risk users.
var DefaultReservePolicy = ReservePolicy{
	LowBPS:    0,
	MediumBPS: 1000,
	HighBPS:   2500,
	Window:    30 * 24 * time.Hour,
}

func (p ReservePolicy) bps(t risk.Tier) int64 {
	switch t {
	case risk.TierMedium:
		return p.MediumBPS
	case risk.TierHigh:
		return p.HighBPS
	default:
		return p.LowBPS
	}
}

// Snapshot is a consistent-enough view of one user's funds.
type Snapshot struct {
	UserID    string    `json:"userId"`
	Tier      risk.Tier `json:"tier"`
	Balance   int64     `json:"balance"`
	Reserve   int64     `json:"reserve"`
	Available int64     `json:"available"`
}

// Calculator computes balances on read. Nothing is cached.
type Calculator struct {
	ledger Ledger
	tiers  TierSource
	policy ReservePolicy
	now    func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(ledger Ledger, tiers TierSource, policy ReservePolicy) *Calculator {
	if policy.Window <= 0 {
		policy.Window = DefaultReservePolicy.Window
	}
	return &Calculator{ledger: ledger, tiers: tiers, policy: policy, now: time.Now}
}

// GetBalance returns the sum of the user's completed entries.
func (c *Calculator) GetBalance(ctx context.Context, userID string) (int64, error) {
	return c.ledger.Balance(ctx, userID)
}

// Reserve returns the amount withheld for the user's tier.
func (c *Calculator) Reserve(ctx context.Context, userID string) (int64, error) {
	tier, err := c.tiers.Tier(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("risk tier for %s: %w", userID, err)
	}
	return c.reserveFor(ctx, userID, tier)
}

func (c *Calculator) reserveFor(ctx context.Context, userID string, tier risk.Tier) (int64, error) {
	bps := c.policy.bps(tier)
	if bps == 0 {
		return 0, nil
	}
	volume, err := c.ledger.CreditVolumeSince(ctx, userID, c.now().Add(-c.policy.Window))
	if err != nil {
		return 0, err
	}
	return money.Percent(volume, bps)
}

// Floor is the lowest balance a debit may leave behind. Passing it to the
// ledger's conditional debit makes the available-balance check atomic.
func (c *Calculator) Floor(ctx context.Context, userID string) (int64, error) {
	return c.Reserve(ctx, userID)
}

// GetAvailableBalance returns max(0, balance - reserve).
func (c *Calculator) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	s, err := c.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.Available, nil
}

// Snapshot returns balance, reserve and available together.
func (c *Calculator) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	tier, err := c.tiers.Tier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("risk tier for %s: %w", userID, err)
	}
	bal, err := c.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	reserve, err := c.reserveFor(ctx, userID, tier)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		UserID:    userID,
		Tier:      tier,
		Balance:   bal,
		Reserve:   reserve,
		Available: max(bal-reserve, 0),
	}, nil
}
