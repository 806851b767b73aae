package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zipchat_active_connections",
			Help: "Live websocket connections in the registry",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipchat_auth_failures_total",
			Help: "Handshakes closed because the credential was rejected",
		},
	)

	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipchat_heartbeat_evictions_total",
			Help: "Connections terminated after a missed liveness ping",
		},
	)

	// Event metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipchat_events_total",
			Help: "Inbound events by type and outcome",
		},
		[]string{"type", "result"},
	)

	DeliveriesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipchat_deliveries_total",
			Help: "Outbound forwards to recipient connections",
		},
		[]string{"type"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipchat_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipchat_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Storage metrics
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipchat_messages_stored_total",
			Help: "Chat messages persisted",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipchat_messages_purged_total",
			Help: "Expired messages removed by the cleanup sweep",
		},
	)

	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipchat_store_duration_seconds",
			Help:    "Message store call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)
)

// Event outcomes
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultInvalid      = "invalid"
	ResultUnknown      = "unknown"
	ResultStorageError = "storage_error"
	ResultDropped      = "dropped"
)
