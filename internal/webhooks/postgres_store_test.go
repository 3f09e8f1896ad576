//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/testutil"
)

func TestPostgresStore_RecordAndProcess(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	evt := &Event{ID: "evt_pg1", Type: TypePaymentSucceeded, CreatedAt: now, Data: []byte(`{"id":"pi_1"}`)}
	require.NoError(t, store.Record(ctx, evt, now))
	require.NoError(t, store.Record(ctx, evt, now.Add(time.Second)))

	rec, err := store.Get(ctx, "evt_pg1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.False(t, rec.Processed)
	assert.JSONEq(t, `{"id":"pi_1"}`, string(rec.Payload))

	require.NoError(t, store.MarkFailed(ctx, "evt_pg1", "db down"))
	pending, err := store.ListUnprocessed(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "db down", pending[0].LastError)

	require.NoError(t, store.MarkProcessed(ctx, "evt_pg1", now))
	rec, err = store.Get(ctx, "evt_pg1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	require.NotNil(t, rec.ProcessedAt)

	pending, err = store.ListUnprocessed(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "evt_missing", now), ErrEventNotFound)
	_, err = store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestPostgresStore_ListUnprocessedOrdersByReceipt(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"evt_b", "evt_a", "evt_c"} {
		require.NoError(t, store.Record(ctx, &Event{ID: id, Type: TypeTransferPaid, CreatedAt: base}, base.Add(time.Duration(i)*time.Minute)))
	}

	pending, err := store.ListUnprocessed(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt_b", pending[0].EventID)
	assert.Equal(t, "evt_a", pending[1].EventID)
}
