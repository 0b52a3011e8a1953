package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal tracks API attempts by HTTP method and outcome
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_api_requests_total",
			Help: "Total number of API request attempts",
		},
		[]string{"method", "outcome"},
	)

	// APIRequestLatency tracks API round-trip latency
	APIRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adsync_api_request_latency_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// APIRetriesTotal tracks retries by error category
	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_api_retries_total",
			Help: "Total number of API retries",
		},
		[]string{"category"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions tracks state changes
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// RateLimitQueueDepth tracks waiting requests per limit type
	RateLimitQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adsync_ratelimit_queue_depth",
			Help: "Number of requests waiting in the rate limit queue",
		},
		[]string{"limit_type"},
	)

	// RateLimitRejections tracks queue rejections by reason
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"limit_type", "reason"},
	)

	// QuotaUsagePercent tracks the server-reported peak usage
	QuotaUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adsync_quota_usage_percent",
			Help: "Peak server-reported quota usage percentage",
		},
		[]string{"limit_type", "kind"},
	)

	// ErrorsTotal tracks classified errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"category", "severity"},
	)

	// SyncRunsTotal tracks finished sync runs per job
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_sync_runs_total",
			Help: "Total number of finished sync runs",
		},
		[]string{"job", "status"},
	)

	// SyncDuration tracks run durations per job
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adsync_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"job"},
	)

	// SyncActive tracks in-flight sync runs
	SyncActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adsync_sync_active",
			Help: "Number of sync runs currently executing",
		},
	)

	// EventsDropped tracks events not delivered to a slow subscriber
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_events_dropped_total",
			Help: "Total number of scheduler events dropped for slow subscribers",
		},
		[]string{"kind"},
	)

	// HistoryPersistFailures tracks history writes that did not reach storage
	HistoryPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adsync_history_persist_failures_total",
			Help: "Total number of sync history entries that failed to persist",
		},
	)

	// HistoryPruned tracks history rows removed by retention
	HistoryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adsync_history_pruned_total",
			Help: "Total number of sync history entries removed by retention",
		},
	)

	// EventsForwarded tracks events published to the message bus
	EventsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_events_forwarded_total",
			Help: "Total number of scheduler events forwarded to the message bus",
		},
		[]string{"kind", "status"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adsync_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// HTTPRequestsTotal tracks admin API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adsync_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"route", "code"},
	)
)
