// Package metrics holds the Prometheus collectors exported by the sync
// process. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "market_sync"

var (
	// PhaseDuration measures orchestrator phase wall time.
	// Labels: phase, status
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "phase_duration_seconds",
		Help:      "Orchestrator phase duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"phase", "status"})

	// SymbolsProcessed counts per-symbol outcomes of a pipeline run.
	// Labels: job, status (completed, partial, failed)
	SymbolsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "symbols_total",
		Help:      "Symbols processed by the sync pipeline",
	}, []string{"job", "status"})

	// PipelineRuns counts pipeline runs by execution mode.
	// Labels: job, mode (batch, serial), fell_back
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by execution mode",
	}, []string{"job", "mode", "fell_back"})

	// FetchRetries counts retried fetches after connection errors.
	FetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "fetch_retries_total",
		Help:      "Fetch attempts retried after a connection error",
	}, []string{"job"})

	// MemoryBackoffs counts batch-size reductions forced by the memory ceiling.
	MemoryBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "memory_backoffs_total",
		Help:      "Batch size reductions caused by the memory ceiling",
	})

	// RecordsWritten counts rows applied by the batch writer.
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "records_total",
		Help:      "Rows upserted into the store",
	}, []string{"table"})

	// RecordsRejected counts fetched records refused by validation.
	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quality",
		Name:      "rejected_total",
		Help:      "Fetched records rejected by validation",
	}, []string{"table"})

	// FlushErrors counts failed writer flushes.
	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "flush_errors_total",
		Help:      "Failed writer flushes",
	}, []string{"table"})

	// SessionReconnects counts provider logins after the first.
	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Provider session reconnects",
	})

	// SessionAcquireWait measures time spent waiting for the provider session.
	SessionAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for the provider session",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	// GapsDetected counts missing-bar intervals found by the gap detector.
	GapsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gaps",
		Name:      "detected_total",
		Help:      "Missing bar intervals detected",
	}, []string{"frequency"})

	// GapRepairs counts backfill outcomes.
	// Labels: outcome (repaired, skipped, failed)
	GapRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gaps",
		Name:      "repairs_total",
		Help:      "Gap backfill outcomes",
	}, []string{"outcome"})
)
