package peers

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	KnownPeers    prometheus.Gauge
	Penalizations prometheus.Counter
}

func init() {
	prom.KnownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sitetosite",
		Subsystem: "peers",
		Name:      "known",
		Help:      "Number of peers known to the most recently updated registry",
	})
	prom.Penalizations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "peers",
		Name:      "penalizations",
		Help:      "Number of times a peer was penalized",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.KnownPeers); err != nil {
		return err
	}
	if err := registry.Register(prom.Penalizations); err != nil {
		return err
	}
	return nil
}
