//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/testutil"
)

func TestPostgresStore_AppendAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx,
		&Entry{UserID: "poster", Type: TypeDeposit, Amount: 5000, ExternalRef: Ref("pi_1"), Metadata: map[string]string{"purpose": "escrow"}},
		&Entry{UserID: "poster", BountyID: Ref("b-1"), Type: TypeEscrowHold, Amount: -5000, ExternalRef: Ref("pi_1")},
	))
	bal, err := store.Balance(ctx, "poster")
	require.NoError(t, err)
	assert.Zero(t, bal)

	dep, err := store.FindByExternalRef(ctx, TypeDeposit, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "escrow", dep.Metadata["purpose"])

	_, err = store.FindByExternalRef(ctx, TypeDeposit, "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UniqueIndexes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Entry{UserID: "h", BountyID: Ref("b"), Type: TypeRelease, Amount: 900}))
	err := store.Append(ctx,
		&Entry{UserID: "platform", BountyID: Ref("b"), Type: TypePlatformFee, Amount: 100},
		&Entry{UserID: "p", BountyID: Ref("b"), Type: TypeRefund, Amount: 1000},
	)
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	entries, err := store.ListByBounty(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed batch must leave nothing behind")
}

func TestPostgresStore_AppendOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := &Entry{UserID: "u", Type: TypeDeposit, Amount: 100}
	require.NoError(t, store.Append(ctx, e))

	_, err := db.ExecContext(ctx, `UPDATE ledger_entries SET amount = 1 WHERE id = $1`, e.ID)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, e.ID)
	assert.Error(t, err)
}

func TestPostgresStore_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Entry{UserID: "u", Type: TypeDeposit, Amount: 1000}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.AppendDebit(ctx, &Entry{UserID: "u", Type: TypeWithdrawal, Amount: -100}, 0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	bal, err := store.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, bal)
}
