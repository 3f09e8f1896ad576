package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_DefaultsToLow(t *testing.T) {
	c := NewClassifier(NewMemoryStore(), nil)
	tier, err := c.Tier(context.Background(), "new-user")
	require.NoError(t, err)
	assert.Equal(t, TierLow, tier)
}

func TestClassifier_EscalateOnlyRaises(t *testing.T) {
	c := NewClassifier(NewMemoryStore(), nil)
	ctx := context.Background()

	changed, err := c.Escalate(ctx, "u", TierHigh, "dispute dp_1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = c.Escalate(ctx, "u", TierMedium, "late delivery")
	require.NoError(t, err)
	assert.False(t, changed)

	tier, _ := c.Tier(ctx, "u")
	assert.Equal(t, TierHigh, tier)

	hist, err := c.History(ctx, "u", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, TierLow, hist[0].From)
	assert.Equal(t, TierHigh, hist[0].To)
}

func TestClassifier_SetTier(t *testing.T) {
	c := NewClassifier(NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, c.SetTier(ctx, "u", TierHigh, "manual review"))
	require.NoError(t, c.SetTier(ctx, "u", TierLow, "cleared"))
	require.NoError(t, c.SetTier(ctx, "u", TierLow, "no-op"))

	hist, _ := c.History(ctx, "u", 10)
	assert.Len(t, hist, 2)
	assert.Equal(t, TierLow, hist[0].To)

	assert.ErrorIs(t, c.SetTier(ctx, "u", Tier("extreme"), ""), ErrInvalidTier)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("medium")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, tier)

	_, err = ParseTier("")
	assert.ErrorIs(t, err, ErrInvalidTier)
}
