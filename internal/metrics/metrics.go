package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

var (
	// VerdictsTotal counts pipeline outcomes by verdict and deciding stage.
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_total",
		Help:      "Pipeline outcomes by verdict and deciding stage.",
	}, []string{"verdict", "stage"})

	// EvalDuration records full pipeline evaluation latency.
	EvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "eval_duration_seconds",
		Help:      "Full pipeline evaluation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
	})

	// CacheRefreshTotal counts full cache reloads per entity kind.
	CacheRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_refresh_total",
		Help:      "Full cache reloads per entity kind.",
	}, []string{"kind", "status"})

	// CacheEntries tracks current snapshot count per entity kind.
	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Current snapshot count per entity kind.",
	}, []string{"kind"})

	// StorageFallbacks counts cache misses that reached durable storage.
	StorageFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_fallbacks_total",
		Help:      "Cache misses that reached durable storage.",
	}, []string{"kind"})

	// BansExpired counts bans lazily evicted on read.
	BansExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_expired_total",
		Help:      "Bans lazily evicted on read.",
	})

	// DeferredQueueDepth tracks the deferred evaluation queue length.
	DeferredQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deferred_queue_depth",
		Help:      "Current deferred evaluation queue length.",
	})

	// DeferredDropped counts events dropped because the queue was full.
	DeferredDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deferred_dropped_total",
		Help:      "Events dropped because the deferred queue was full.",
	})

	// OverloadActive is 1 while the overload window is open.
	OverloadActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "overload_active",
		Help:      "1 while the overload window is open.",
	})

	// BreakerState is 1 while a stage's circuit breaker is open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_open",
		Help:      "1 while a stage's circuit breaker is open.",
	}, []string{"stage"})

	// StageTimeouts counts per-stage deadline hits.
	StageTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_timeouts_total",
		Help:      "Per-stage deadline hits.",
	}, []string{"stage"})

	// ReplicationMessages counts replication traffic by direction and status.
	ReplicationMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replication_messages_total",
		Help:      "Replication messages by direction and status.",
	}, []string{"direction", "status"})

	// UserInserts counts users durably created by the batch flusher.
	UserInserts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "user_inserts_total",
		Help:      "Users durably created by the batch flusher.",
	})

	// UsersPending tracks ids awaiting durable insert.
	UsersPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "users_pending",
		Help:      "User ids awaiting durable insert.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
