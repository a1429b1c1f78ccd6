package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	ledgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Accounts whose live balance differed from replay in the last run.",
	})

	ticketsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "tickets_expired_total",
		Help:      "Reserved withdrawal tickets released after their TTL.",
	})

	ticketsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "tickets_pending",
		Help:      "Submitted tickets past the settlement SLA still without a final result.",
	})

	onChainDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "onchain_diff_minor",
		Help:      "Hot wallet USDC balance minus ledger custody, in minor units.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation check errors, by check.",
	}, []string{"check"})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "reconciliation",
		Name:      "job_runs_total",
		Help:      "Scheduled job executions, by job.",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(
		ledgerMismatches,
		ticketsExpired,
		ticketsPending,
		onChainDiff,
		runDuration,
		reconcileErrors,
		jobRuns,
	)
}
