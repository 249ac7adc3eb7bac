package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metrics, registered with promauto on the default registry.

var (
	// 1. HTTP Requests Total (Counter)
	// Counts how many requests arrive, labeled by method, path, and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relcount_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// 2. HTTP Request Duration (Histogram)
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relcount_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// 3. Count queries, labeled by the counter that produced the answer
	// ("cached", "naive") and the query kind ("general", "literal").
	CountQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relcount_count_queries_total",
			Help: "Degree count queries answered, by source",
		},
		[]string{"source", "kind"},
	)

	// 4. Fallbacks from the cache to a full traversal.
	CountFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relcount_count_fallbacks_total",
			Help: "Count queries the cache could not certify and that fell back to traversal",
		},
	)

	// 5. Decrements that would have pushed a cached count below zero.
	OutOfSync = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relcount_cache_out_of_sync_total",
			Help: "Cache decrements clamped at zero because the cache diverged from the graph",
		},
	)

	// 6. Compaction merges, and the entries they absorbed.
	Compactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relcount_compactions_total",
			Help: "Generalization merges performed by cache compaction",
		},
	)
	CompactedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relcount_compacted_entries_total",
			Help: "Cached entries absorbed into a more general entry",
		},
	)

	// 7. Rebuild progress.
	RebuiltNodes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relcount_rebuilt_nodes_total",
			Help: "Nodes whose degree cache was rebuilt from scratch",
		},
	)

	// 8. Batch mode usage per unit of work.
	UnitsOfWork = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relcount_units_of_work_total",
			Help: "Committed units of work handled by the degree cache, by mode",
		},
		[]string{"mode"},
	)
)
