package server

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	Connections   prometheus.Counter
	Transactions  *prometheus.CounterVec
	QueuedPackets *prometheus.GaugeVec
}

func init() {
	prom.Connections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "server",
		Name:      "connections",
		Help:      "Number of accepted connections",
	})
	prom.Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "server",
		Name:      "transactions",
		Help:      "Number of served transactions by port, client direction and outcome",
	}, []string{"port", "direction", "outcome"})
	prom.QueuedPackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sitetosite",
		Subsystem: "server",
		Name:      "queued_packets",
		Help:      "Number of packets queued per port",
	}, []string{"port"})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.Connections); err != nil {
		return err
	}
	if err := registry.Register(prom.Transactions); err != nil {
		return err
	}
	if err := registry.Register(prom.QueuedPackets); err != nil {
		return err
	}
	return nil
}
