package runtime

import "github.com/prometheus/client_golang/prometheus"

// Prometheus runtime metrics.
var (
	iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_module_iterations_total",
			Help: "Module iterations started.",
		},
		[]string{"module"},
	)
	iterationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_module_iteration_failures_total",
			Help: "Module iterations whose poll returned an error or panicked.",
		},
		[]string{"module"},
	)
	panicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_module_panics_total",
			Help: "Panics recovered inside module code.",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(iterationsTotal)
	prometheus.MustRegister(iterationFailuresTotal)
	prometheus.MustRegister(panicsTotal)
}
