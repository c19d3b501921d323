package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Signed request metrics
	SignedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_signed_requests_total",
			Help: "Total signed requests issued by exchange and endpoint",
		},
		[]string{"exchange", "endpoint"},
	)

	SignedRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_signed_request_errors_total",
			Help: "Total signed request failures by exchange and error class",
		},
		[]string{"exchange", "class"},
	)

	SignedRequestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_signed_request_retries_total",
			Help: "Total signed request retries by exchange and reason",
		},
		[]string{"exchange", "reason"},
	)

	ClockOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketlink_server_clock_offset_ms",
			Help: "Last observed server-local clock offset in milliseconds",
		},
		[]string{"exchange"},
	)

	// Stream session metrics
	ActiveStreamSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlink_active_stream_sessions",
			Help: "Currently connected user stream sessions",
		},
	)

	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_stream_reconnects_total",
			Help: "Total stream reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	StreamRateLimitCooldowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketlink_stream_rate_limit_cooldowns_total",
			Help: "Total rate-limit cooldowns entered during token acquisition",
		},
	)

	// Shared poll metrics
	PollEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlink_poll_entries",
			Help: "Active shared poll entries (exchange, symbol pairs)",
		},
	)

	PollSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlink_poll_subscribers",
			Help: "Subscribers attached across all shared poll entries",
		},
	)

	PollUpstreamFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_poll_upstream_fetches_total",
			Help: "Upstream fetches performed by the poll multiplexer",
		},
		[]string{"exchange", "kind"},
	)

	// Aggregator metrics
	AggregatorSourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_aggregator_source_failures_total",
			Help: "Sub-fetch failures downgraded to null fields",
		},
		[]string{"source"},
	)

	AggregatorCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlink_aggregator_cache_total",
			Help: "Composed market detail cache lookups by result",
		},
		[]string{"result"},
	)
)
