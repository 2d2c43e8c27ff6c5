package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type limiterMetrics struct {
	decisionsTotal *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *limiterMetrics
)

func metrics() *limiterMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &limiterMetrics{
			decisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "mesh",
					Subsystem: "ratelimit",
					Name:      "decisions_total",
					Help:      "Total number of rate limit decisions",
				},
				[]string{"resource", "algorithm", "decision"},
			),
			checkDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "mesh",
					Subsystem: "ratelimit",
					Name:      "check_duration_seconds",
					Help:      "Duration of rate limit checks in seconds",
					Buckets:   []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1},
				},
				[]string{"resource"},
			),
		}
	})
	return metricsInstance
}
