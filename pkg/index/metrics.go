package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birch_index_queries_total",
		Help: "Queries executed, by index type and operator.",
	}, []string{"type", "op"})

	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birch_index_cache_hits_total",
		Help: "Query cache hits.",
	})

	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birch_index_cache_misses_total",
		Help: "Query cache misses.",
	})

	metricRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "birch_index_tree_rebuilds_total",
		Help: "Full tree rebuilds triggered by overflow or transaction failure.",
	})

	metricBuildStage = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "birch_index_build_stage_seconds",
		Help:    "Duration of build pipeline stages.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"stage"})

	metricUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "birch_index_record_updates_total",
		Help: "Record change events applied, by index type.",
	}, []string{"type"})
)
