package sensors

import "github.com/prometheus/client_golang/prometheus"

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_sensor_alerts_total",
			Help: "Alerts handed to the egress queue, by sensor.",
		},
		[]string{"module"},
	)
	pollFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_sensor_poll_failures_total",
			Help: "Enclosure polls that failed, by sensor.",
		},
		[]string{"module"},
	)
	itemsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruwatch_sensor_items",
			Help: "FRUs reported by the last successful poll.",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(alertsTotal)
	prometheus.MustRegister(pollFailuresTotal)
	prometheus.MustRegister(itemsGauge)
}
