package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	servicesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of currently registered services",
		},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Total number of registry mutations",
		},
		[]string{"operation"},
	)
)

func recordRegistration(op string, total int) {
	registrationsTotal.WithLabelValues(op).Inc()
	servicesGauge.Set(float64(total))
}
