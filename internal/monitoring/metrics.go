package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meterlab"

var (
	// Transitions counts applied state transitions per entity.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "State transitions applied, by entity and target status.",
	}, []string{"entity", "from", "to"})

	// GenerationWindows counts scorer windows by outcome: clear, flagged or skipped.
	GenerationWindows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_windows_total",
		Help:      "Windows evaluated during candidate generation.",
	}, []string{"rule", "outcome"})

	// GenerationDuration observes whole generation runs.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Duration of candidate generation runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"rule", "status"})

	// ReadingsIngested counts readings written by ingest, import and ETL.
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "readings_ingested_total",
		Help:      "Readings upserted into datasets.",
	}, []string{"source"})

	// Reviews counts review decisions, including overrides.
	Reviews = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reviews_total",
		Help:      "Event review decisions.",
	}, []string{"decision", "override"})

	// JobReports counts inbound job status reports by source and outcome:
	// applied, ignored or rejected.
	JobReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_reports_total",
		Help:      "Job status reports received.",
	}, []string{"source", "outcome"})

	// Dispatches counts job requests sent to the runner.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_dispatches_total",
		Help:      "Job requests dispatched, by dispatcher and outcome.",
	}, []string{"dispatcher", "outcome"})

	// JobsByStatus is refreshed by the Collector.
	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs",
		Help:      "Trained models and evaluation runs created within the lookback window, by status.",
	}, []string{"kind", "status"})

	// UndispatchedJobs is refreshed by the Collector.
	UndispatchedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_undispatched",
		Help:      "Queued jobs older than the redispatch delay that were never dispatched.",
	})
)
