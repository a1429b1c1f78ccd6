package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vaultbet",
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected WebSocket clients.",
	})
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "realtime",
		Name:      "messages_sent_total",
		Help:      "Event frames queued to clients.",
	})
	slowClients = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vaultbet",
		Subsystem: "realtime",
		Name:      "slow_clients_total",
		Help:      "Clients disconnected for falling behind.",
	})
)

func init() {
	prometheus.MustRegister(connectedClients, messagesSent, slowClients)
}
