package autoplay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activePlans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vaultbet",
		Subsystem: "autoplay",
		Name:      "active_plans",
		Help:      "Plans with a running loop in this process.",
	})

	betsPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "autoplay",
		Name:      "bets_total",
		Help:      "Bets placed by autoplay loops, by outcome.",
	}, []string{"outcome"})

	plansStopped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "autoplay",
		Name:      "stopped_total",
		Help:      "Plans that left the active states, by stop reason.",
	}, []string{"reason"})

	ticksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "autoplay",
		Name:      "ticks_dropped_total",
		Help:      "Ticks skipped because a balance read or bet timed out.",
	})
)

func init() {
	prometheus.MustRegister(activePlans, betsPlaced, plansStopped, ticksDropped)
}
