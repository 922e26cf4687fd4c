package threadctl

import "github.com/prometheus/client_golang/prometheus"

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fruwatch_thread_requests_total",
		Help: "Thread controller requests by verb and outcome.",
	},
	[]string{"request", "outcome"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}
