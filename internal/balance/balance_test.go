package balance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/risk"
)

func setup(t *testing.T) (*Calculator, *ledger.MemoryStore, *risk.Classifier) {
	t.Helper()
	store := ledger.NewMemoryStore()
	tiers := risk.NewClassifier(risk.NewMemoryStore(), nil)
	return NewCalculator(store, tiers, DefaultReservePolicy), store, tiers
}

func TestCalculator_LowTierHasNoReserve(t *testing.T) {
	calc, store, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &ledger.Entry{UserID: "u", Type: ledger.TypeDeposit, Amount: 10000}))

	s, err := calc.Snapshot(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, risk.TierLow, s.Tier)
	assert.Equal(t, int64(10000), s.Balance)
	assert.Zero(t, s.Reserve)
	assert.Equal(t, int64(10000), s.Available)
}

func TestCalculator_HighTierReserve(t *testing.T) {
	calc, store, tiers := setup(t)
	ctx := context.Background()
	_, err := tiers.Escalate(ctx, "u", risk.TierHigh, "dispute")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx,
		&ledger.Entry{UserID: "u", Type: ledger.TypeRelease, Amount: 4500, BountyID: ledger.Ref("b1")},
		&ledger.Entry{UserID: "u", Type: ledger.TypeWithdrawal, Amount: -4000},
	))

	reserve, err := calc.Reserve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(1125), reserve, "25% of 4500 incoming")

	bal, err := calc.GetBalance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	avail, err := calc.GetAvailableBalance(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, avail, "available never goes negative")
}

func TestCalculator_WindowExcludesOldVolume(t *testing.T) {
	calc, store, tiers := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc.now = func() time.Time { return now }
	require.NoError(t, tiers.SetTier(ctx, "u", risk.TierMedium, "new seller"))

	require.NoError(t, store.Append(ctx,
		&ledger.Entry{UserID: "u", Type: ledger.TypeDeposit, Amount: 90000, CreatedAt: now.Add(-60 * 24 * time.Hour)},
		&ledger.Entry{UserID: "u", Type: ledger.TypeDeposit, Amount: 1005, CreatedAt: now.Add(-time.Hour)},
	))

	reserve, err := calc.Floor(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(101), reserve, "10% of 1005 rounds half up")
}

func TestCalculator_FloorBlocksDebitIntoReserve(t *testing.T) {
	calc, store, tiers := setup(t)
	ctx := context.Background()
	l := ledger.New(store, nil)
	require.NoError(t, tiers.SetTier(ctx, "u", risk.TierHigh, "review"))
	require.NoError(t, l.Append(ctx, &ledger.Entry{UserID: "u", Type: ledger.TypeDeposit, Amount: 10000}))

	floor, err := calc.Floor(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), floor)

	err = l.AppendDebit(ctx, &ledger.Entry{UserID: "u", Type: ledger.TypeWithdrawal, Amount: -8000}, floor)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.NoError(t, l.AppendDebit(ctx, &ledger.Entry{UserID: "u", Type: ledger.TypeWithdrawal, Amount: -7500}, floor))
}
