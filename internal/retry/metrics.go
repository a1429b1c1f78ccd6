package retry

import "github.com/prometheus/client_golang/prometheus"

var retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "vaultbet",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Calls repeated after a retryable failure.",
})

func init() {
	prometheus.MustRegister(retriesTotal)
}
