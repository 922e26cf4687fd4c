package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	brokerConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruwatch_broker_connected",
			Help: "Whether the module is connected to the broker (1) or not (0).",
		},
		[]string{"module"},
	)
	connectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_broker_connect_failures_total",
			Help: "Failed broker connection attempts.",
		},
		[]string{"module"},
	)
	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_broker_connects_total",
			Help: "Successful broker connections, including reconnects.",
		},
		[]string{"module"},
	)
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_broker_published_total",
			Help: "Envelopes published to the broker by kind.",
		},
		[]string{"kind"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_broker_dropped_total",
			Help: "Outbound envelopes dropped before publication by reason.",
		},
		[]string{"reason"},
	)
	backlogGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fruwatch_broker_backlog",
			Help: "Envelopes waiting to be published.",
		},
	)
	receivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_broker_received_total",
			Help: "Inbound broker messages by settlement outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(brokerConnected)
	prometheus.MustRegister(connectFailuresTotal)
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(publishedTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(backlogGauge)
	prometheus.MustRegister(receivedTotal)
}
