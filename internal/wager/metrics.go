package wager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	wagersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wager",
		Name:      "placed_total",
		Help:      "Wagers committed, by game and outcome.",
	}, []string{"game", "outcome"})

	wagerRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wager",
		Name:      "rejected_total",
		Help:      "Bets rejected before commit, by error kind.",
	}, []string{"kind"})

	wagerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vaultbet",
		Subsystem: "wager",
		Name:      "place_duration_seconds",
		Help:      "PlaceBet latency including the wait for the player token.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	wagersVoided = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "wager",
		Name:      "voided_total",
		Help:      "Pending wagers voided and refunded.",
	})
)

func init() {
	prometheus.MustRegister(wagersTotal, wagerRejected, wagerDuration, wagersVoided)
}

func observePlace(start time.Time) {
	wagerDuration.Observe(time.Since(start).Seconds())
}
