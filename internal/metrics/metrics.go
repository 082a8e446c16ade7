package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxcache_api_calls_total",
			Help: "Total KMA API calls",
		},
		[]string{"source", "status"},
	)

	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wxcache_api_latency_seconds",
			Help:    "KMA API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxcache_units_total",
			Help: "Units of work processed, by outcome (fetched, skipped, empty, failed)",
		},
		[]string{"source", "outcome"},
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxcache_rows_written_total",
			Help: "Rows written to cache files",
		},
		[]string{"source"},
	)

	SummaryFilesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxcache_summary_files_written_total",
			Help: "Period summary files written",
		},
		[]string{"period"},
	)

	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wxcache_last_run_timestamp_seconds",
			Help: "Unix time of the last completed run",
		},
		[]string{"job"},
	)
)
