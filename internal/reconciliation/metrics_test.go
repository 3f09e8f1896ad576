package reconciliation

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/ledger"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestRunAll_ExportsGauges(t *testing.T) {
	f := newFixture()
	f.bounty(t, "b-nohold", 3000)
	f.move(t, "b-nohold", escrow.EscrowHeld)
	f.bounty(t, "b-refunded", 1000)
	f.entry(t, ledger.TypeEscrowHold, "poster-1", "b-refunded", -1000)
	f.move(t, "b-refunded", escrow.EscrowRefunded)
	f.bounty(t, "b-holding", 500)
	f.move(t, "b-holding", escrow.EscrowHolding)

	_, err := f.runner(&countingReplayer{n: 4}, nil, nil).RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, gaugeValue(t, reconcileMissingHolds))
	assert.Equal(t, 1.0, gaugeValue(t, reconcileSettlementMismatches))
	assert.Equal(t, 1.0, gaugeValue(t, reconcileStalledHolds))
	assert.Equal(t, 4.0, gaugeValue(t, reconcileEventsReplayed))
	assert.Positive(t, gaugeValue(t, reconcileLastSuccess))
}

func TestRunAll_CountsCheckErrorsByLabel(t *testing.T) {
	before := &dto.Metric{}
	require.NoError(t, reconcileErrors.WithLabelValues("webhook_events").Write(before))

	f := newFixture()
	_, err := f.runner(&countingReplayer{err: assert.AnError}, nil, nil).RunAll(context.Background())
	require.Error(t, err)

	after := &dto.Metric{}
	require.NoError(t, reconcileErrors.WithLabelValues("webhook_events").Write(after))
	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}
