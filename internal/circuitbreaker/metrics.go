package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "requests_total",
			Help:      "Total number of requests through circuit breakers",
		},
		[]string{"name", "result"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "failures_total",
			Help:      "Total number of failures recorded by circuit breakers",
		},
		[]string{"name"},
	)

	successesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "successes_total",
			Help:      "Total number of successes recorded by circuit breakers",
		},
		[]string{"name"},
	)

	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"name", "from", "to"},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "circuitbreaker",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected by open circuits",
		},
		[]string{"name"},
	)
)

func recordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
		rejectedTotal.WithLabelValues(name).Inc()
	}
	requestsTotal.WithLabelValues(name, result).Inc()
}

func recordFailure(name string) {
	failuresTotal.WithLabelValues(name).Inc()
}

func recordSuccess(name string) {
	successesTotal.WithLabelValues(name).Inc()
}

func recordStateChange(name string, from, to State) {
	stateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(name).Set(float64(to))
}

// forgetMetrics drops the per-breaker metric series when a breaker is
// removed from the registry.
func forgetMetrics(name string) {
	stateGauge.DeleteLabelValues(name)
	_ = requestsTotal.DeletePartialMatch(prometheus.Labels{"name": name})
	failuresTotal.DeleteLabelValues(name)
	successesTotal.DeleteLabelValues(name)
	_ = stateChangesTotal.DeletePartialMatch(prometheus.Labels{"name": name})
	rejectedTotal.DeleteLabelValues(name)
}
