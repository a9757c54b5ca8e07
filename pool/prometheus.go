package pool

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	Leases     *prometheus.CounterVec
	DialErrors prometheus.Counter
	Discards   prometheus.Counter
	Closes     *prometheus.CounterVec
}

func init() {
	prom.Leases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "pool",
		Name:      "leases",
		Help:      "Number of leased connections by origin (idle, dialed)",
	}, []string{"origin"})
	prom.DialErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "pool",
		Name:      "dial_errors",
		Help:      "Number of failed attempts to open a connection",
	})
	prom.Discards = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "pool",
		Name:      "discards",
		Help:      "Number of leased connections discarded after an error or cancel",
	})
	prom.Closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitetosite",
		Subsystem: "pool",
		Name:      "closes",
		Help:      "Number of clean connections closed by the pool, by reason",
	}, []string{"reason"})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.Leases); err != nil {
		return err
	}
	if err := registry.Register(prom.DialErrors); err != nil {
		return err
	}
	if err := registry.Register(prom.Discards); err != nil {
		return err
	}
	if err := registry.Register(prom.Closes); err != nil {
		return err
	}
	return nil
}
