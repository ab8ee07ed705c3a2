// Package metrics provides Prometheus instrumentation for the Chatline
// realtime broker. It exposes gauges for connection, room, and presence
// counts, counters for relayed event throughput, and a histogram for room
// fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsTotal tracks the current number of rooms with at least one member.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_rooms_total",
		Help: "Current number of rooms with at least one local member",
	})

	// OnlineUsers tracks the size of the last presence snapshot broadcast.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_online_users",
		Help: "Number of users in the last presence snapshot",
	})

	// EventsRelayed counts realtime events relayed to clients, labeled by
	// event name ("new_message", "user_typing", "users_online", ...).
	EventsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_events_relayed_total",
		Help: "Total number of realtime events relayed to clients",
	}, []string{"event"})

	// TypingEvents counts inbound typing start/stop events, labeled by
	// direction ("start" or "stop").
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_typing_events_total",
		Help: "Total number of typing indicator events received from clients",
	}, []string{"direction"})

	// BroadcastLatency records room fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatline_broadcast_latency_seconds",
		Help:    "Room broadcast fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsTotal,
		OnlineUsers,
		EventsRelayed,
		TypingEvents,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
