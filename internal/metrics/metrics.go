package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks connected peers by transport (tcp/ws/sse)
	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_connections_current",
			Help: "Current number of connected peers by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsTotal tracks accepted connections by transport
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total accepted connections by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsRejected tracks connections refused by the limiter by reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_connections_rejected_total",
			Help: "Connections rejected before registration by reason",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks how long peers stay connected
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_connection_duration_seconds",
			Help:    "Peer connection duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
	)
)

// Hub Metrics
var (
	// MessagesTotal tracks chat messages by sentiment outcome (positive/negative/failed/...)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages posted by sentiment outcome",
		},
		[]string{"outcome"},
	)

	// MessagesRateLimited tracks lines dropped by the per-peer limiter
	MessagesRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_rate_limited_total",
			Help: "Lines dropped because the peer exceeded its message rate",
		},
	)

	// EventsDelivered tracks events queued to peers by kind
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Events queued to peers by kind",
		},
		[]string{"kind"},
	)

	// SlowPeersEvicted tracks peers evicted because their send buffer was full
	SlowPeersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_slow_peers_evicted_total",
			Help: "Peers evicted because their send buffer was full",
		},
	)

	// HubCommandChannelDepth tracks the hub command backlog
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)
)

// Sentiment Metrics
var (
	// SentimentRequestsTotal tracks classification requests by backend and outcome
	SentimentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_requests_total",
			Help: "Sentiment classification requests by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	// SentimentDuration tracks classification latency including retries
	SentimentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentiment_request_duration_seconds",
			Help:    "Sentiment classification duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	// SentimentRetries tracks backend retries by backend
	SentimentRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_retries_total",
			Help: "Sentiment backend retries by backend",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
