package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of health probes by service and result",
		},
		[]string{"service", "result"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	endpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "health",
			Name:      "endpoint_healthy",
			Help:      "Whether an endpoint is currently healthy (1) or not (0)",
		},
		[]string{"service", "endpoint"},
	)
)

func recordProbe(service string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	probesTotal.WithLabelValues(service, result).Inc()
	probeDuration.WithLabelValues(service).Observe(latency.Seconds())
}

func recordEndpointHealthy(service, endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	endpointHealthy.WithLabelValues(service, endpoint).Set(v)
}

func forgetEndpointMetrics(service, endpoint string) {
	endpointHealthy.DeleteLabelValues(service, endpoint)
}
