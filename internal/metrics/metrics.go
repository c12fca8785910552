package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics
var (
	// ActiveDocuments tracks the number of live coordinator instances.
	ActiveDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_documents",
			Help: "Number of documents with a live coordinator",
		},
	)

	// ConnectedClients tracks WebSocket clients across all documents.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Number of connected WebSocket clients across all documents",
		},
	)

	// BroadcastsTotal counts fan-out operations.
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total broadcast fan-outs performed",
		},
	)

	// SlowClientsEvicted counts clients dropped because their send buffer was full.
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_slow_clients_evicted_total",
			Help: "Clients evicted during broadcast because their send buffer was full",
		},
	)

	// ListenRepliesTotal counts single-connection listen replies.
	ListenRepliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_listen_replies_total",
			Help: "Listen subscription replies sent to individual connections",
		},
	)

	// IgnoredMessagesTotal counts inbound messages dropped for missing fields.
	IgnoredMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ignored_messages_total",
			Help: "Inbound connection messages ignored due to missing subscribe fields",
		},
	)

	// ConnectionsRejected counts connections refused by the limiter.
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Connections rejected by reason",
		},
		[]string{"reason"},
	)
)

// Upstream bridge metrics
var (
	// UpstreamRequestsTotal tracks upstream calls by operation and status.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream data service requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	// UpstreamRequestDuration tracks upstream call latency in seconds.
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	// UpstreamCircuitState tracks breaker state (0=closed, 1=half-open, 2=open).
	UpstreamCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// HTTP boundary metrics
var (
	// HTTPErrorsTotal tracks errors reaching the boundary handler by kind.
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP errors by error kind",
		},
		[]string{"kind"},
	)
)
