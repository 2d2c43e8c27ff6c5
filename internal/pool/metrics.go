package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Total connection acquires by service and outcome",
		},
		[]string{"service", "result"},
	)

	activeConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Connections currently checked out per endpoint",
		},
		[]string{"service", "endpoint"},
	)

	idleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Connections currently idle per endpoint",
		},
		[]string{"service", "endpoint"},
	)
)

func recordAcquire(service, result string) {
	acquiresTotal.WithLabelValues(service, result).Inc()
}

func recordOccupancy(service, endpoint string, active, idle int) {
	activeConns.WithLabelValues(service, endpoint).Set(float64(active))
	idleConns.WithLabelValues(service, endpoint).Set(float64(idle))
}

func forgetPoolMetrics(service, endpoint string) {
	activeConns.DeleteLabelValues(service, endpoint)
	idleConns.DeleteLabelValues(service, endpoint)
}
