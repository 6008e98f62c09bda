// Package metrics provides Prometheus metrics collection for the
// authorization core. It tracks decision outcomes, layer latencies,
// cache tier performance, rate limiter health, and audit sink failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "velro"

// LatencyBuckets defines histogram buckets tuned for the authorization
// latency budget (75 ms target, 2 s hard deadline).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1,
	0.25, 0.5, 1.0, 2.0, 5.0,
}

var (
	// AuthDecisions counts authorization decisions by outcome and method.
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Total authorization decisions",
		},
		[]string{"granted", "method", "threat_level"},
	)

	// AuthChainLatency tracks end-to-end chain execution latency.
	AuthChainLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_chain_latency_seconds",
			Help:      "Authorization chain latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"fast_lane"},
	)

	// LayerLatency tracks per-layer execution latency.
	LayerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_layer_latency_seconds",
			Help:      "Per-layer execution latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"layer", "success"},
	)

	// LayerFailures counts layer failures by layer and error type.
	LayerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_layer_failures_total",
			Help:      "Total layer failures by error type",
		},
		[]string{"layer", "error_type"},
	)

	// EmergencyFallbacks counts invocations of the emergency fallback path.
	EmergencyFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_emergency_fallbacks_total",
			Help:      "Total emergency fallback invocations",
		},
	)

	// CacheOperations counts cache operations by tier and result.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total cache operations by tier and result",
		},
		[]string{"tier", "operation", "result"}, // result: hit, miss, error
	)

	// CacheTierLatency tracks per-tier cache response time.
	CacheTierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_tier_latency_seconds",
			Help:      "Cache tier response time in seconds",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1},
		},
		[]string{"tier", "operation"},
	)

	// CacheMemoryBytes tracks L1 resident memory usage.
	CacheMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_l1_memory_bytes",
			Help:      "Estimated L1 cache memory usage in bytes",
		},
	)

	// CacheInvalidations counts invalidations by kind.
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Total cache invalidations by kind",
		},
		[]string{"kind"}, // tag, pattern, generation_bump
	)

	// CacheWarmups counts warming fetches by trigger.
	CacheWarmups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_warmups_total",
			Help:      "Total cache warming fetches by trigger",
		},
		[]string{"trigger"}, // login, generation_create, team_access, predictive
	)

	// TTLAdjustments counts adaptive TTL promotions.
	TTLAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_ttl_adjustments_total",
			Help:      "Total adaptive TTL adjustments by direction",
		},
		[]string{"direction"}, // up, down
	)

	// TTLOptimal publishes the most recently computed optimal L2 TTL per
	// key pattern.
	TTLOptimal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_ttl_optimal_seconds",
			Help:      "Computed optimal TTL per key pattern",
		},
		[]string{"pattern"},
	)

	// CacheDegraded reports whether the engine is running in L1-only mode.
	CacheDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_degraded_mode",
			Help:      "1 when the shared cache tier is unavailable",
		},
	)

	// RateLimiterBackendErrors counts distributed limiter backend failures.
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimiter_backend_errors_total",
			Help:      "Total rate limiter backend errors",
		},
		[]string{"scope", "action"}, // action: allow, deny
	)

	// RateLimitRejections counts denied requests by scope.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Total rate limit rejections by scope",
		},
		[]string{"scope"},
	)

	// AuditEvents counts emitted audit events by severity.
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Total audit events by severity",
		},
		[]string{"severity"},
	)

	// AuditSinkFailures counts sink write failures.
	AuditSinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_failures_total",
			Help:      "Total audit sink write failures",
		},
		[]string{"sink"},
	)

	// AuditAlerts counts correlation alerts by pattern.
	AuditAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_alerts_total",
			Help:      "Total correlation alerts by pattern",
		},
		[]string{"pattern"},
	)

	// BodyCacheFailures counts gate body-cache failures.
	BodyCacheFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_body_cache_failures_total",
			Help:      "Total request body cache failures",
		},
	)
)
