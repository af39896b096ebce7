// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agora_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_messages_appended_total",
			Help: "Total messages durably appended",
		},
		[]string{"kind"}, // "message" or "reply"
	)

	ReactionsToggled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_reactions_toggled_total",
			Help: "Total reaction toggles",
		},
		[]string{"op"}, // "add" or "remove"
	)

	HistoryPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_history_pages_total",
			Help: "Total keyset history pages served",
		},
	)

	// Fan-out metrics
	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_broadcast_deliveries_total",
			Help: "Total events enqueued to subscribers",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_broadcast_drops_total",
			Help: "Total events dropped under subscriber backpressure",
		},
	)

	// Realtime session metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agora_ws_connections",
			Help: "Currently open websocket sessions",
		},
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agora_presence_online",
			Help: "Actors in the merged community presence set",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_rate_limit_hits_total",
			Help: "Total websocket rate limit hits",
		},
	)
)
