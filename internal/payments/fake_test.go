package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/apperr"
)

func TestFake_ReplaysByIdempotencyKey(t *testing.T) {
	f := NewFakeProvider()
	f.SetAccount(Account{ID: "acct_1", PayoutsEnabled: true})
	ctx := context.Background()

	a, err := f.CreateTransfer(ctx, TransferRequest{Amount: 100, Destination: "acct_1"}, "payout:p1")
	require.NoError(t, err)
	b, err := f.CreateTransfer(ctx, TransferRequest{Amount: 100, Destination: "acct_1"}, "payout:p1")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, f.Transfers())
	assert.Equal(t, 2, f.Calls(OpCreateTransfer))
}

func TestFake_HoldLifecycle(t *testing.T) {
	f := NewFakeProvider()
	ctx := context.Background()

	in, err := f.CreateHold(ctx, HoldRequest{Amount: 5000, Currency: "usd", BountyID: "b"}, "escrow-hold:b")
	require.NoError(t, err)
	_, err = f.CaptureHold(ctx, in.ID, "escrow-capture:b")
	require.NoError(t, err)

	err = f.CancelHold(ctx, in.ID, "x")
	assert.ErrorIs(t, err, ErrRejected)

	res, err := f.Refund(ctx, in.ID, "escrow-refund:b")
	require.NoError(t, err)
	assert.False(t, res.Canceled)
}

func TestFake_FailNext(t *testing.T) {
	f := NewFakeProvider()
	f.FailNext(OpCaptureHold, ErrUnknownOutcome)

	_, err := f.CaptureHold(context.Background(), "pi_x", "k")
	assert.True(t, IsUnknown(err))

	appErr := AppError("escrow.release", err)
	assert.True(t, apperr.IsUnknownOutcome(appErr))
	assert.True(t, errors.Is(appErr, ErrUnknownOutcome))
	assert.Nil(t, AppError("op", nil))
}
