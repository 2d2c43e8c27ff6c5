package mesh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "invocations_total",
			Help:      "Total service invocations by service and result",
		},
		[]string{"service", "result"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "invocation_duration_seconds",
			Help:      "End to end invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "endpoint_resolutions_total",
			Help:      "Total endpoint resolutions by service and result",
		},
		[]string{"service", "result"},
	)

	servicesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "services",
			Help:      "Number of registered services",
		},
	)

	endpointsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "endpoints",
			Help:      "Number of registered endpoints",
		},
	)

	healthyEndpointsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "healthy_endpoints",
			Help:      "Number of endpoints currently healthy",
		},
	)

	openCircuitsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "manager",
			Name:      "open_circuits",
			Help:      "Number of circuit breakers currently open",
		},
	)
)

func recordInvocation(service, result string, latency time.Duration) {
	invocationsTotal.WithLabelValues(service, result).Inc()
	invocationDuration.WithLabelValues(service).Observe(latency.Seconds())
}

func recordResolution(service, result string) {
	resolutionsTotal.WithLabelValues(service, result).Inc()
}

func recordMeshStatus(services, endpoints, healthy, open int) {
	servicesGauge.Set(float64(services))
	endpointsGauge.Set(float64(endpoints))
	healthyEndpointsGauge.Set(float64(healthy))
	openCircuitsGauge.Set(float64(open))
}
