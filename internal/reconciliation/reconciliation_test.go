package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/ledger"
)

type countingReplayer struct {
	n     int
	err   error
	grace time.Duration
}

func (c *countingReplayer) Replay(_ context.Context, grace time.Duration, _ int) (int, error) {
	c.grace = grace
	return c.n, c.err
}

type countingRetrier struct{ n int }

func (c *countingRetrier) RetryUnknown(context.Context, time.Duration, int) (int, error) {
	return c.n, nil
}

type countingPurger struct{ n int64 }

func (c *countingPurger) Purge(context.Context) (int64, error) { return c.n, nil }

type fixture struct {
	store  *escrow.MemoryStore
	ledger *ledger.Ledger
}

func newFixture() *fixture {
	return &fixture{store: escrow.NewMemoryStore(), ledger: ledger.New(ledger.NewMemoryStore(), nil)}
}

func (f *fixture) bounty(t *testing.T, id string, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(context.Background(), &escrow.Bounty{
		ID: id, PosterID: "poster-1", Title: "t", Amount: amount, Currency: "usd",
		Status: escrow.StatusOpen, Escrow: escrow.EscrowNone, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) move(t *testing.T, id string, to escrow.EscrowState) {
	t.Helper()
	_, err := f.store.Transition(context.Background(), id, escrow.Update{ToEscrow: to})
	require.NoError(t, err)
}

func (f *fixture) entry(t *testing.T, typ ledger.EntryType, user, bountyID string, amount int64) {
	t.Helper()
	b := bountyID
	require.NoError(t, f.ledger.Append(context.Background(), &ledger.Entry{
		UserID: user, BountyID: &b, Type: typ, Amount: amount,
	}))
}

func (f *fixture) runner(events EventReplayer, payouts PayoutRetrier, keys KeyPurger) *Runner {
	r := NewRunner(f.store, f.ledger, events, payouts, keys, Options{}, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return r
}

func TestRunAll_Healthy(t *testing.T) {
	f := newFixture()
	f.bounty(t, "b-released", 5000)
	f.entry(t, ledger.TypeEscrowHold, "poster-1", "b-released", -5000)
	f.entry(t, ledger.TypeRelease, "hunter-1", "b-released", 4500)
	f.move(t, "b-released", escrow.EscrowReleased)

	f.bounty(t, "b-held", 1000)
	f.entry(t, ledger.TypeEscrowHold, "poster-1", "b-held", -1000)
	f.move(t, "b-held", escrow.EscrowHeld)

	events := &countingReplayer{n: 2}
	rep, err := f.runner(events, &countingRetrier{n: 1}, &countingPurger{n: 7}).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
	assert.Equal(t, 2, rep.EventsReplayed)
	assert.Equal(t, 1, rep.PayoutsRetried)
	assert.Equal(t, int64(7), rep.KeysPurged)
	assert.Equal(t, 10*time.Minute, events.grace)
}

func TestRunAll_FlagsInconsistencies(t *testing.T) {
	f := newFixture()
	// Refunded in state but never in the ledger.
	f.bounty(t, "b-unsettled", 2000)
	f.entry(t, ledger.TypeEscrowHold, "poster-1", "b-unsettled", -2000)
	f.move(t, "b-unsettled", escrow.EscrowRefunded)

	// Held without a hold entry.
	f.bounty(t, "b-nohold", 3000)
	f.move(t, "b-nohold", escrow.EscrowHeld)

	// Debit written but never confirmed as held.
	f.bounty(t, "b-stalled", 1500)
	f.entry(t, ledger.TypeEscrowHold, "poster-1", "b-stalled", -1500)
	f.move(t, "b-stalled", escrow.EscrowHolding)

	rep, err := f.runner(nil, nil, nil).RunAll(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Healthy())
	assert.Equal(t, []string{"b-unsettled"}, rep.SettlementMismatches)
	assert.Equal(t, []string{"b-nohold"}, rep.MissingHolds)
	assert.Equal(t, []string{"b-stalled"}, rep.StalledHolds)
}

func TestRunAll_SkipsRecentChanges(t *testing.T) {
	f := newFixture()
	f.bounty(t, "b-fresh", 3000)
	f.move(t, "b-fresh", escrow.EscrowHeld)
	f.bounty(t, "b-funding", 2000)
	f.move(t, "b-funding", escrow.EscrowHolding)

	r := NewRunner(f.store, f.ledger, nil, nil, nil, Options{}, nil)
	rep, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.MissingHolds)
	assert.Empty(t, rep.StalledHolds)
}

func TestRunAll_CollectsCheckErrors(t *testing.T) {
	f := newFixture()
	events := &countingReplayer{n: 1, err: errors.New("db down")}
	purger := &countingPurger{n: 3}

	rep, err := f.runner(events, nil, purger).RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook_events")
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, 1, rep.EventsReplayed)
	assert.Equal(t, int64(3), rep.KeysPurged, "later checks still run")
	assert.False(t, rep.Healthy())
}

func TestTimer_StopsAndKeepsLastReport(t *testing.T) {
	f := newFixture()
	timer := NewTimer(f.runner(&countingReplayer{n: 4}, nil, nil), 10*time.Millisecond, nil)
	assert.Nil(t, timer.LastReport())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return timer.LastReport() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	assert.Equal(t, 4, timer.LastReport().EventsReplayed)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
