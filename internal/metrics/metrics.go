// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room occupancy, counters for message
// throughput and rejected events, and histograms for store latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// Evictions counts connections closed because the same user connected
	// again, here or on another instance.
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_evictions_total",
		Help: "Connections closed by a newer session for the same user",
	}, []string{"source"}) // source = "local", "remote"

	// HeartbeatTimeouts counts connections dropped for missing liveness.
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_heartbeat_timeouts_total",
		Help: "Connections closed after the heartbeat timeout",
	})

	// MessagesTotal counts chat messages, labeled by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"}) // outcome = "sent", "rejected", "flagged"

	// EventsTotal counts inbound events by type and result code ("ok" on
	// success).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Inbound client events by type and result",
	}, []string{"type", "code"})

	// RateLimited counts throttled actions.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Actions rejected by the rate limiter",
	}, []string{"action"})

	// StoreLatency records store call latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_latency_seconds",
		Help:    "Store call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	// ActiveRooms tracks rooms with at least one tracked occupant on this
	// instance.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Rooms with at least one connected occupant",
	})

	// RateLimitWindows tracks connections holding rate limit state, as of
	// the last sweep.
	RateLimitWindows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ratelimit_windows",
		Help: "Connections with live rate limit windows after the last sweep",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Evictions,
		HeartbeatTimeouts,
		MessagesTotal,
		EventsTotal,
		RateLimited,
		StoreLatency,
		ActiveRooms,
		RateLimitWindows,
	)
}

// ObserveStore records the latency of a store call that started at start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
