//go:build integration

package payout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/testutil"
)

func TestPostgresStore_Accounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.SaveAccount(ctx, &ConnectAccount{UserID: "u1", ExternalAccountID: "acct_1", UpdatedAt: now}))
	require.NoError(t, store.SaveAccount(ctx, &ConnectAccount{UserID: "u1", ExternalAccountID: "acct_1", PayoutsEnabled: true, UpdatedAt: now}))

	a, err := store.GetAccountByExternalID(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", a.UserID)
	assert.True(t, a.PayoutsEnabled)

	err = store.SaveAccount(ctx, &ConnectAccount{UserID: "u2", ExternalAccountID: "acct_1", UpdatedAt: now})
	assert.ErrorIs(t, err, ErrAccountTaken)

	_, err = store.GetAccount(ctx, "u2")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPostgresStore_Payouts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	p := &Payout{
		ID:             idgen.WithPrefix("po_"),
		UserID:         "u1",
		Amount:         1000,
		Currency:       "usd",
		Destination:    "acct_1",
		Status:         StatusPending,
		IdempotencyKey: "k1",
		CreatedAt:      old,
		UpdatedAt:      old,
	}
	require.NoError(t, store.Create(ctx, p))

	dup := *p
	dup.ID = idgen.WithPrefix("po_")
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrDuplicateKey)

	got, err := store.GetByKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Empty(t, got.ExternalTransferID)

	p.Status = StatusUnknown
	p.LedgerEntryID = "entry-1"
	require.NoError(t, store.Update(ctx, p, StatusPending))
	assert.ErrorIs(t, store.Update(ctx, p, StatusPending), ErrStaleState)

	stuck, err := store.ListByStatus(ctx, StatusUnknown, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "entry-1", stuck[0].LedgerEntryID)

	p.Status = StatusSubmitted
	p.ExternalTransferID = "tr_1"
	p.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Update(ctx, p))

	got, err = store.GetByTransfer(ctx, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)

	list, err := store.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "po_missing")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Payout{ID: "po_missing", Status: StatusPaid}), ErrPayoutNotFound)
}
