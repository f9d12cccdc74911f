package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_hits_total",
		Help: "Total number of cache hits",
	}, []string{"provider"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_misses_total",
		Help: "Total number of cache misses",
	}, []string{"provider"})

	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_stores_total",
		Help: "Total number of cache store operations",
	}, []string{"provider"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_evictions_total",
		Help: "Total number of tiles evicted to honor the byte budget",
	})

	CacheEvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_evicted_bytes_total",
		Help: "Total bytes reclaimed by eviction",
	})

	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecache_size_bytes",
		Help: "Current total payload bytes held by the cache",
	})

	CacheMaxBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecache_max_bytes",
		Help: "Configured cache byte budget",
	})

	// Upstream fetch metrics
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilecache_fetch_duration_seconds",
		Help:    "Duration of upstream tile fetches in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_fetch_failures_total",
		Help: "Total number of failed upstream tile fetches",
	}, []string{"provider"})

	// Preload metrics
	PreloadBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_preload_batches_total",
		Help: "Total number of preload batches dispatched",
	})

	PreloadTiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_preload_tiles_total",
		Help: "Total number of tiles fetched by the preload scheduler",
	})

	PreloadSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_preload_skipped_total",
		Help: "Total number of preload candidates skipped as cached or in flight",
	})

	PreloadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecache_preload_queue_depth",
		Help: "Tiles currently queued for preload",
	})
)
