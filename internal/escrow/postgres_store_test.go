//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/apperr"
	"github.com/mbd888/bountypay/internal/balance"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/idgen"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/risk"
	"github.com/mbd888/bountypay/internal/testutil"
)

func newBounty(poster string, amount int64) *Bounty {
	now := time.Now()
	return &Bounty{
		ID:        idgen.New(),
		PosterID:  poster,
		Title:     "integration",
		Amount:    amount,
		Currency:  "usd",
		Status:    StatusOpen,
		Escrow:    EscrowNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateGetTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	b := newBounty("poster", 5000)
	require.NoError(t, store.Create(ctx, b))

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Empty(t, got.Funding)
	assert.Nil(t, got.HunterID)

	got, err = store.Transition(ctx, b.ID, Update{
		FromStatus: []Status{StatusOpen},
		ToStatus:   StatusInProgress,
		HunterID:   ptr("hunter"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hunter", got.Hunter())

	ref := "pi_123"
	got, err = store.Transition(ctx, b.ID, Update{
		FromEscrow:       []EscrowState{EscrowNone},
		ToEscrow:         EscrowHeld,
		Funding:          ptr(FundingCharge),
		PaymentReference: &ref,
	})
	require.NoError(t, err)
	assert.Equal(t, FundingCharge, got.Funding)
	assert.Equal(t, ref, got.Reference())

	_, err = store.Transition(ctx, b.ID, Update{FromEscrow: []EscrowState{EscrowNone}, ToEscrow: EscrowHeld})
	assert.ErrorIs(t, err, ErrStaleState)

	got, err = store.Transition(ctx, b.ID, Update{
		FromEscrow:       []EscrowState{EscrowHeld},
		ToEscrow:         EscrowNone,
		Funding:          ptr(FundingSource("")),
		PaymentReference: ptr(""),
	})
	require.NoError(t, err)
	assert.Empty(t, got.Funding)
	assert.Nil(t, got.PaymentReference)

	_, err = store.Transition(ctx, idgen.New(), Update{ToStatus: StatusCancelled})
	assert.ErrorIs(t, err, ErrBountyNotFound)
	_, err = store.Get(ctx, idgen.New())
	assert.ErrorIs(t, err, ErrBountyNotFound)
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	held := newBounty("p1", 1000)
	held.Escrow = EscrowHeld
	held.Funding = FundingWallet
	done := newBounty("p1", 2000)
	done.Status = StatusCompleted
	done.Escrow = EscrowReleased
	done.HunterID = ptr("h1")
	for _, b := range []*Bounty{held, done, newBounty("p2", 300)} {
		require.NoError(t, store.Create(ctx, b))
	}

	byUser, err := store.ListByUser(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byHunter, err := store.ListByUser(ctx, "h1", 10)
	require.NoError(t, err)
	assert.Len(t, byHunter, 1)

	heldList, err := store.ListByEscrowState(ctx, EscrowHeld, 10)
	require.NoError(t, err)
	require.Len(t, heldList, 1)
	assert.Equal(t, held.ID, heldList[0].ID)

	settled, err := store.ListSettled(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, done.ID, settled[0].ID)
}

func TestPostgresService_ConcurrentReleases(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	ls := ledger.NewPostgresStore(db)
	l := ledger.New(ls, nil)
	tiers := risk.NewClassifier(risk.NewPostgresStore(db), nil)
	svc := NewService(NewPostgresStore(db), l, balance.NewCalculator(ls, tiers, balance.DefaultReservePolicy),
		payments.NewFakeProvider(), idempotency.NewGuard(idempotency.NewPostgresStore(db), 0, nil),
		Config{FeeBPS: 1000, PlatformUserID: "platform", MinAmount: 100}, nil)

	_, _, err := l.RecordDeposit(ctx, "poster", 5000, "pi_topup", nil)
	require.NoError(t, err)
	b, err := svc.CreateBounty(ctx, CreateBountyRequest{PosterID: "poster", Title: "race", Amount: 5000})
	require.NoError(t, err)
	_, _, err = svc.CreateEscrow(ctx, CreateEscrowRequest{PosterID: "poster", BountyID: b.ID, Amount: 5000, IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = svc.AcceptBounty(ctx, "hunter", b.ID)
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReleaseEscrow(ctx, "poster", b.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperr.Is(err, apperr.KindConflict), "%v", err)
	}
	assert.Equal(t, 1, ok)
	assert.NoError(t, l.VerifySettlements(ctx, b.ID))

	bal, err := l.Balance(ctx, "hunter")
	require.NoError(t, err)
	assert.Equal(t, int64(4500), bal)
}
