package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Feature-negotiation metrics. Igual que en raft.go, viven en un paquete
// standalone para que coordinator, featcache y HTTP puedan instrumentar
// sin ciclos de import.

var (
	FeatureDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feature_decisions_total",
		Help: "Decisiones finalizadas aplicadas desde el log, por feature",
	}, []string{"feature"})

	FeatureDowngradesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feature_downgrades_total",
		Help: "Downgrades explícitos aplicados desde el log",
	})

	RecomputeNoProgressTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feature_recompute_no_progress_total",
		Help: "Recomputes que no pudieron avanzar (intersección vacía sobre el valor actual)",
	})

	RegisteredNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_registered_nodes",
		Help: "Nodos actualmente registrados en el registry",
	})

	StaleRegistrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_stale_registrations_total",
		Help: "Records de registración ignorados por epoch no creciente (re-delivery esperado)",
	})

	WaitUntilLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "featcache_wait_until_latency_ms",
		Help:    "Latencia de WaitUntil en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	WaitUntilTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "featcache_wait_until_timeouts_total",
		Help: "WaitUntil que expiraron antes de alcanzar el offset pedido",
	})
)

// RegisterFeatures registers the negotiation metrics on the given registry (or default if nil).
func RegisterFeatures(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		FeatureDecisionsTotal,
		FeatureDowngradesTotal,
		RecomputeNoProgressTotal,
		RegisteredNodes,
		StaleRegistrationsTotal,
		WaitUntilLatency,
		WaitUntilTimeouts,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
