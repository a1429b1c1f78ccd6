package withdrawal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "withdrawal",
		Name:      "transitions_total",
		Help:      "Ticket state transitions, by target state.",
	}, []string{"state"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "withdrawal",
		Name:      "rejected_total",
		Help:      "Withdrawal requests rejected before a ticket was created, by error kind.",
	}, []string{"kind"})

	reconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "withdrawal",
		Name:      "reconciled_total",
		Help:      "Submitted tickets healed by reconciliation, by outcome.",
	}, []string{"outcome"})

	settleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vaultbet",
		Subsystem: "withdrawal",
		Name:      "settler_submit_seconds",
		Help:      "Time spent handing tickets to the settlement collaborator.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(transitions, rejected, reconciled, settleLatency)
}
