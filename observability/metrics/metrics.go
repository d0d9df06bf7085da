// Package metrics registers the Prometheus instruments shared by the
// settlement engine and the reconciliation sweeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wordbounty_settlements_total",
		Help: "Settlement operations by operation name and outcome.",
	}, []string{"operation", "outcome"})

	confirmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wordbounty_chain_confirm_seconds",
		Help:    "Time spent waiting for on-chain confirmation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})

	sweeperRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wordbounty_sweeper_repairs_total",
		Help: "Stuck records repaired by the reconciliation sweeper, by action.",
	}, []string{"action"})

	sweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wordbounty_sweeper_runs_total",
		Help: "Completed reconciliation passes.",
	})
)

// ObserveSettlement records one settlement operation outcome.
func ObserveSettlement(operation, outcome string) {
	settlementsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveConfirmLatency records one confirmation wait in seconds.
func ObserveConfirmLatency(kind string, seconds float64) {
	confirmLatency.WithLabelValues(kind).Observe(seconds)
}

// ObserveSweeperRepair records one repair action taken by the sweeper.
func ObserveSweeperRepair(action string) {
	sweeperRepairsTotal.WithLabelValues(action).Inc()
}

// ObserveSweeperRun records one completed reconciliation pass.
func ObserveSweeperRun() {
	sweeperRunsTotal.Inc()
}
