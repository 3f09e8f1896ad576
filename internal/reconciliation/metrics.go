package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileSettlementMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "settlement_mismatches",
		Help:      "Terminal escrows without exactly one settlement entry in the last run.",
	})

	reconcileMissingHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "missing_holds",
		Help:      "Held escrows without a ledger hold in the last run.",
	})

	reconcileStalledHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "stalled_holds",
		Help:      "Escrows left in holding past the grace period in the last run.",
	})

	reconcileEventsReplayed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "events_replayed",
		Help:      "Webhook events re-driven in the last run.",
	})

	reconcilePayoutsRetried = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "payouts_retried",
		Help:      "Unknown-outcome payouts retried in the last run.",
	})

	reconcileKeysPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "idempotency_keys_purged_total",
		Help:      "Expired idempotency keys removed.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run without check errors.",
	})

	reconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bountypay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		reconcileSettlementMismatches,
		reconcileMissingHolds,
		reconcileStalledHolds,
		reconcileEventsReplayed,
		reconcilePayoutsRetried,
		reconcileKeysPurged,
		reconcileDuration,
		reconcileLastSuccess,
		reconcileErrors,
	)
}
