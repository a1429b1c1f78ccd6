package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	depositsCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wallet",
		Name:      "deposits_total",
		Help:      "Deposits credited, by currency.",
	}, []string{"currency"})

	depositsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wallet",
		Name:      "deposits_replayed_total",
		Help:      "Deposit notifications for transactions already credited.",
	})

	conversions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wallet",
		Name:      "conversions_total",
		Help:      "Currency conversions, by pair.",
	}, []string{"from", "to"})

	chainSubmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wallet",
		Name:      "chain_submits_total",
		Help:      "On-chain withdrawal transfers, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(depositsCredited, depositsReplayed, conversions, chainSubmits)
}
