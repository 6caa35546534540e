package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of frames sent via WebSocket",
		},
		[]string{"type"},
	)

	// Realtime backend metrics
	BackendOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_backend_op_duration_seconds",
			Help:    "Realtime backend call latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend", "operation"},
	)

	BackendOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_backend_op_errors_total",
			Help: "Total number of failed realtime backend calls",
		},
		[]string{"backend", "operation"},
	)

	// Room synchronization metrics
	RoomSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "room_subscriptions_active",
			Help: "Number of live room list subscriptions",
		},
	)

	MaterializationPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_materialization_passes_total",
			Help: "Room list materialization passes by outcome",
		},
		[]string{"outcome"},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of messages written",
		},
	)

	// Messaging metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Chat events published to the broker",
		},
		[]string{"type", "status"},
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push notification deliveries by status",
		},
		[]string{"status"},
	)

	RequestsThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_throttled_total",
			Help: "Requests rejected by the rate limiter, by caller kind",
		},
		[]string{"caller"},
	)
)
