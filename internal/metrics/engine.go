package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Index and report pipeline metrics.
var (
	IndexEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "index_entries",
			Help:      "Entries visible in the vector index",
		},
	)

	IndexGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "index_generation",
			Help:      "Generation counter of the visible vector index",
		},
	)

	IndexRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "index_rebuilds_total",
			Help:      "Index rebuilds by outcome",
		},
		[]string{"status"},
	)

	IndexRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "index_rebuild_duration_seconds",
			Help:      "Full index rebuild duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	IndexSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "index_search_duration_seconds",
			Help:      "Nearest-neighbor search duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	SnapshotOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshot_operations_total",
			Help:      "Index snapshot saves and loads by outcome",
		},
		[]string{"op", "status"},
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reports_total",
			Help:      "Report requests by outcome",
		},
		[]string{"outcome"},
	)

	ReportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "report_duration_seconds",
			Help:      "End-to-end report pipeline duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	CasesIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cases_ingested_total",
			Help:      "Case records accepted into the corpus",
		},
	)
)

var registerEngine sync.Once

// RegisterEngineMetrics registers the index and report collectors. Safe to call more than once.
func RegisterEngineMetrics() {
	registerEngine.Do(func() {
		prometheus.MustRegister(
			IndexEntries,
			IndexGeneration,
			IndexRebuildsTotal,
			IndexRebuildDuration,
			IndexSearchDuration,
			SnapshotOpsTotal,
			ReportsTotal,
			ReportDuration,
			CasesIngestedTotal,
		)
	})
}
