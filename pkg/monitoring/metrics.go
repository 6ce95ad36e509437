package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Service name for metrics
	ServiceName = "tracemap"
)

var (
	// Render metrics
	RenderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracemap_render_requests_total",
			Help: "Total number of tile buffer render requests",
		},
		[]string{"status"},
	)

	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracemap_render_duration_seconds",
			Help:    "Tile buffer render duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
	)

	TilesLoadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracemap_lazy_tiles_loaded_total",
			Help: "Total number of tiles decompressed from lazy sources",
		},
	)

	// Layer cache metrics
	LayerComputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracemap_layer_compute_total",
			Help: "Total number of layer cache recomputations",
		},
		[]string{"layer", "status"},
	)

	LayerComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracemap_layer_compute_duration_seconds",
			Help:    "Layer aggregation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"layer"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracemap_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracemap_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracemap_cache_size",
			Help: "Current number of items in cache",
		},
		[]string{"cache_type"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracemap_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracemap_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version", "build_commit", "build_date"},
	)

	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracemap_goroutines",
			Help: "Number of goroutines",
		},
	)

	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracemap_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	GCRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracemap_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)
)

// Helper functions for common metric updates

func RecordRenderRequest(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	RenderRequestsTotal.WithLabelValues(status).Inc()
	RenderDuration.Observe(duration.Seconds())
}

func RecordLayerCompute(layer string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	LayerComputeTotal.WithLabelValues(layer, status).Inc()
	LayerComputeDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

func RecordCacheHit(cacheType string) {
	CacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func UpdateCacheSize(cacheType string, size int) {
	CacheSize.WithLabelValues(cacheType).Set(float64(size))
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
