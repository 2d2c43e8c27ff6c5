package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hitsTotal         *prometheus.CounterVec
	missesTotal       *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec
	sizeGauge         *prometheus.GaugeVec
	operationDuration *prometheus.HistogramVec
}

var (
	metricsInstance *cacheMetrics
	metricsOnce     sync.Once
)

// metrics returns the singleton cache metrics instance.
func metrics() *cacheMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &cacheMetrics{
			hitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "mesh",
					Subsystem: "cache",
					Name:      "hits_total",
					Help:      "Total number of cache hits",
				},
				[]string{"cache"},
			),
			missesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "mesh",
					Subsystem: "cache",
					Name:      "misses_total",
					Help:      "Total number of cache misses",
				},
				[]string{"cache"},
			),
			evictionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "mesh",
					Subsystem: "cache",
					Name:      "evictions_total",
					Help:      "Total number of cache evictions",
				},
				[]string{"cache"},
			),
			sizeGauge: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "mesh",
					Subsystem: "cache",
					Name:      "size",
					Help:      "Current number of items in cache",
				},
				[]string{"cache"},
			),
			operationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "mesh",
					Subsystem: "cache",
					Name:      "operation_duration_seconds",
					Help:      "Duration of cache operations",
					Buckets: []float64{
						.0001, .0005, .001, .005,
						.01, .025, .05, .1,
					},
				},
				[]string{"cache", "operation"},
			),
		}
	})
	return metricsInstance
}
