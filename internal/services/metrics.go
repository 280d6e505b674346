package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the pipeline
type Metrics struct {
	// Embedding metrics
	EmbeddingsGenerated prometheus.Counter
	EmbeddingErrors     *prometheus.CounterVec
	EmbeddingLatency    prometheus.Histogram

	// Clustering metrics
	ClusteringRuns    *prometheus.CounterVec // outcome: "success" / "failed"
	ClusteringLatency prometheus.Histogram
	WorkerRestarts    prometheus.Counter

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheCoalesced prometheus.Counter // callers that waited on an in-flight run

	// Backfill metrics
	BackfillItems *prometheus.CounterVec // result: "success" / "failed"
}

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	return &Metrics{
		EmbeddingsGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memograph_embeddings_generated_total",
			Help: "Total number of embeddings successfully generated",
		}),

		EmbeddingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memograph_embedding_errors_total",
			Help: "Total number of embedding failures by type",
		}, []string{"error_type"}), // "unavailable", "timeout", "malformed"

		EmbeddingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "memograph_embedding_duration_seconds",
			Help:    "Embedding provider call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		ClusteringRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memograph_clustering_runs_total",
			Help: "Total number of clustering runs by outcome",
		}, []string{"outcome"}),

		ClusteringLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "memograph_clustering_duration_seconds",
			Help:    "Clustering worker call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120}, // clustering is CPU-heavy
		}),

		WorkerRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memograph_clustering_worker_restarts_total",
			Help: "Times the clustering worker process was (re)started",
		}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memograph_cluster_cache_hits_total",
			Help: "Cluster cache reads served from a live entry",
		}),

		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memograph_cluster_cache_misses_total",
			Help: "Cluster cache reads that triggered a clustering run",
		}),

		CacheCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memograph_cluster_cache_coalesced_total",
			Help: "Callers that reused an in-flight clustering run",
		}),

		BackfillItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memograph_backfill_items_total",
			Help: "Backfill items processed by result",
		}, []string{"result"}),
	}
}
