package faultcache

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_fru_transitions_total",
			Help: "FRU health transitions emitted as alerts.",
		},
		[]string{"cache", "alert_type"},
	)
	faultyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruwatch_fru_faulty",
			Help: "FRUs currently recorded as faulty.",
		},
		[]string{"cache"},
	)
	persistenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_fault_cache_write_failures_total",
			Help: "Failed fault cache writes.",
		},
		[]string{"cache"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(faultyGauge)
	prometheus.MustRegister(persistenceFailuresTotal)
}
