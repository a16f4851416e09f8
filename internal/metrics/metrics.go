package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync, batching and recovery metrics, partitioned by provider/endpoint.

var (
	// Subgraph client
	SubgraphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "subgraph",
		Name:      "requests_total",
		Help:      "Total subgraph HTTP requests by outcome",
	}, []string{"endpoint", "outcome"})

	SubgraphRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mirror",
		Subsystem: "subgraph",
		Name:      "request_duration_seconds",
		Help:      "Subgraph request duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	SubgraphCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirror",
		Subsystem: "subgraph",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
	}, []string{"endpoint"})

	// Syncer
	SyncerPagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "syncer",
		Name:      "pages_fetched_total",
		Help:      "Total entity pages fetched",
	}, []string{"provider"})

	SyncerRowsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "syncer",
		Name:      "rows_collected_total",
		Help:      "Total entity rows collected from subgraphs",
	}, []string{"provider", "entity"})

	SyncerRowsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "syncer",
		Name:      "rows_upserted_total",
		Help:      "Total entity rows upserted into the mirror",
	}, []string{"entity"})

	SyncerFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "syncer",
		Name:      "fetch_errors_total",
		Help:      "Total swallowed fetch errors during ordinary sync",
	}, []string{"provider"})

	// Batch executor
	BatchGroupsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "batch",
		Name:      "groups_executed_total",
		Help:      "Total endpoint groups executed by mode (single, combined, fallback)",
	}, []string{"mode"})

	BatchStrategyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "batch",
		Name:      "strategy_failures_total",
		Help:      "Total per-strategy failures during batched execution",
	}, []string{"strategy"})

	// Reorg recovery
	ReorgChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "checks_total",
		Help:      "Total reorg checkpoint checks",
	})

	ReorgDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total reorgs detected",
	})

	ReorgRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "recoveries_total",
		Help:      "Total recoveries by mode (selective, truncate, tracking_only, full_rebuild)",
	}, []string{"mode"})

	ReorgRecoveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "recovery_duration_seconds",
		Help:      "Reorg recovery duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	ReorgLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "lock_contention_total",
		Help:      "Total recovery attempts rejected because the lock was held",
	})

	ChangeLogPrunedRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "reorg",
		Name:      "change_log_pruned_rows_total",
		Help:      "Total EntityChangeLog rows pruned by the retention window",
	})

	// Chain RPC
	ChainRPCErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "chain",
		Name:      "rpc_errors_total",
		Help:      "Total chain RPC errors",
	})

	ChainHeaderCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "chain",
		Name:      "header_cache_total",
		Help:      "Header cache lookups by outcome",
	}, []string{"outcome"})

	// Orchestrator
	BlocksProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "orchestrator",
		Name:      "blocks_processed_total",
		Help:      "Total blocks processed",
	})

	BlockProcessLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mirror",
		Subsystem: "orchestrator",
		Name:      "block_duration_seconds",
		Help:      "Per-block processing duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
	})

	BlocksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Subsystem: "orchestrator",
		Name:      "blocks_skipped_total",
		Help:      "Total blocks skipped by reason",
	}, []string{"reason"})
)
