// Package metrics provides Prometheus instrumentation for the support
// chat service: gauges for connection, presence, and room counts, a
// counter for message throughput by outcome, and a histogram for send
// pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineIdentities tracks the number of identities with at least one
	// open connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_online_identities",
		Help: "Current number of online identities",
	})

	// ActiveRooms tracks the number of rooms with at least one subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supportchat_active_rooms",
		Help: "Current number of rooms with subscribers",
	})

	// MessagesTotal counts send pipeline outcomes, labeled by type:
	// "sent", "broadcast", "auto_reply", "blocked", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_messages_total",
		Help: "Total number of messages processed by outcome",
	}, []string{"type"})

	// SendLatency records the persist-and-reply unit latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "supportchat_send_latency_seconds",
		Help:    "Message send pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AuthFailures counts rejected handshakes by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "supportchat_auth_failures_total",
		Help: "Total number of rejected connection handshakes",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		ActiveRooms,
		MessagesTotal,
		SendLatency,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
