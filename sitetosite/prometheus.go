package sitetosite

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zrepl/sitetosite/peers"
	"github.com/zrepl/sitetosite/pool"
	"github.com/zrepl/sitetosite/rpc/frameconn"
)

var prom struct {
	Transactions    *prometheus.CounterVec
	Packets         *prometheus.CounterVec
	Bytes           *prometheus.CounterVec
	Handshakes      prometheus.Counter
	IntegrityErrors prometheus.Counter
}

func init() {
	prom.Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "client",
		Name:      "transactions",
		Help:      "Number of finished transactions by direction and terminal state",
	}, []string{"direction", "state"})
	prom.Packets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "client",
		Name:      "packets",
		Help:      "Number of packets transferred by direction",
	}, []string{"direction"})
	prom.Bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "client",
		Name:      "content_bytes",
		Help:      "Number of packet content bytes transferred by direction",
	}, []string{"direction"})
	prom.Handshakes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "client",
		Name:      "handshakes",
		Help:      "Number of connections opened and handshaked",
	})
	prom.IntegrityErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "client",
		Name:      "integrity_errors",
		Help:      "Number of transactions canceled because of a checksum mismatch",
	})
}

// PrometheusRegister registers the metrics of the client and the
// packages it is built on.
func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.Transactions,
		prom.Packets,
		prom.Bytes,
		prom.Handshakes,
		prom.IntegrityErrors,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	if err := peers.PrometheusRegister(registry); err != nil {
		return err
	}
	if err := pool.PrometheusRegister(registry); err != nil {
		return err
	}
	if err := frameconn.PrometheusRegister(registry); err != nil {
		return err
	}
	return nil
}
