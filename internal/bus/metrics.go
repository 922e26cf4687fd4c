package bus

import "github.com/prometheus/client_golang/prometheus"

// Prometheus bus metrics.
var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruwatch_bus_queue_depth",
			Help: "Envelopes waiting in each module queue.",
		},
		[]string{"queue"},
	)
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_bus_writes_total",
			Help: "Envelopes accepted by each module queue.",
		},
		[]string{"queue"},
	)
	unknownTargetTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fruwatch_bus_unknown_target_total",
			Help: "Envelopes dropped because the target queue is not registered.",
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(unknownTargetTotal)
}
