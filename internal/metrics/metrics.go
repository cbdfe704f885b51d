// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes gauges for connection and room counts, counters for inbound events
// and outbound deliveries, and a histogram for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sockrelay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the current number of non-empty rooms.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sockrelay_rooms_active",
		Help: "Current number of rooms with at least one member",
	})

	// EventsTotal counts inbound client events, labeled by event name. Events
	// that fail to parse are counted as "invalid" or "unknown".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrelay_events_total",
		Help: "Total number of client events received",
	}, []string{"type"})

	// DeliveriesTotal counts outbound frames, labeled by delivery scope
	// ("all", "direct", "room") and result ("ok", "failed").
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrelay_deliveries_total",
		Help: "Total number of frames delivered to connections",
	}, []string{"scope", "result"})

	// EventLatency records event handling latency in seconds.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sockrelay_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RateLimited counts chat events dropped by the per-connection limit.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrelay_rate_limited_total",
		Help: "Total number of chat events dropped by rate limiting",
	}, []string{"type"})

	// MessagesBlocked counts chat events dropped by the content filter,
	// labeled by reason.
	MessagesBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrelay_messages_blocked_total",
		Help: "Total number of chat events dropped by the content filter",
	}, []string{"reason"})

	// HeartbeatEvictions counts connections closed for missing heartbeats.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sockrelay_heartbeat_evictions_total",
		Help: "Connections closed because they stopped responding",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		EventsTotal,
		DeliveriesTotal,
		EventLatency,
		RateLimited,
		MessagesBlocked,
		HeartbeatEvictions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
