package enclosure

import "github.com/prometheus/client_golang/prometheus"

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fruwatch_enclosure_request_duration_seconds",
		Help:    "Enclosure API request latency by command.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"command"},
)

func init() {
	prometheus.MustRegister(requestDuration)
}
