package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Domain events delivered, by type.",
	}, []string{"type"})

	eventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Domain events that could not be delivered, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsFailed)
}
