// Package registry mantiene el conjunto de nodos actualmente registrados del
// cluster con sus rangos de features soportados. El único escritor es el loop
// de apply de la FSM; todo otro acceso es por snapshot.
package registry

import (
	"sort"
	"sync"

	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/metrics"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// NodeRegistration es la entrada de un nodo vivo del cluster.
// Epoch distingue registraciones sucesivas del mismo NodeID: un nodo que
// reinicia vuelve con un epoch estrictamente mayor.
type NodeRegistration struct {
	NodeID    uint64
	Epoch     uint64
	Features  map[string]feature.VersionRange
	Endpoints map[string]string
}

// clone hace una copia profunda para snapshots.
func (n NodeRegistration) clone() NodeRegistration {
	out := NodeRegistration{NodeID: n.NodeID, Epoch: n.Epoch}
	if n.Features != nil {
		out.Features = make(map[string]feature.VersionRange, len(n.Features))
		for k, v := range n.Features {
			out.Features[k] = v
		}
	}
	if n.Endpoints != nil {
		out.Endpoints = make(map[string]string, len(n.Endpoints))
		for k, v := range n.Endpoints {
			out.Endpoints[k] = v
		}
	}
	return out
}

// Change es la señal "registry changed" que consume el coordinator.
// Features es la unión de nombres tocados por el cambio (mapeos viejo y nuevo),
// para que el coordinator no tenga que re-escanear todas las features.
type Change struct {
	NodeID   uint64
	Features []string
}

// Registry es el estado derivado de registraciones aplicadas desde el log.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uint64]NodeRegistration

	// changes se llena en cada apply exitoso. Buffered: el apply loop no debe
	// bloquearse en un consumidor lento; si el buffer se llena, el cambio se
	// colapsa en una señal de rescan total.
	changes chan Change
}

// New crea un registry vacío con un buffer de señales de cambio.
func New() *Registry {
	return &Registry{
		nodes:   make(map[uint64]NodeRegistration),
		changes: make(chan Change, 256),
	}
}

// Changes expone el canal de señales para el coordinator.
func (r *Registry) Changes() <-chan Change {
	return r.changes
}

// ApplyRegistration inserta o reemplaza la entrada de NodeID si Epoch es
// estrictamente mayor que el registrado. Si no, es un no-op (stale/duplicado):
// esto hace la aplicación de records idempotente y tolerante a re-delivery.
// Retorna true si el estado cambió.
func (r *Registry) ApplyRegistration(reg NodeRegistration) bool {
	r.mu.Lock()
	prev, exists := r.nodes[reg.NodeID]
	if exists && reg.Epoch <= prev.Epoch {
		r.mu.Unlock()
		metrics.StaleRegistrationsTotal.Inc()
		logger.Named("registry").Debug("stale registration ignored",
			logger.NodeID(reg.NodeID), logger.Epoch(reg.Epoch))
		return false
	}
	r.nodes[reg.NodeID] = reg.clone()
	size := len(r.nodes)
	r.mu.Unlock()

	metrics.RegisteredNodes.Set(float64(size))
	r.signal(reg.NodeID, touchedFeatures(prev.Features, reg.Features))
	return true
}

// ApplyDeregistration remueve la entrada solo si epoch iguala o supera el
// epoch actual de la entrada. Retorna true si el estado cambió.
func (r *Registry) ApplyDeregistration(nodeID, epoch uint64) bool {
	r.mu.Lock()
	prev, exists := r.nodes[nodeID]
	if !exists || epoch < prev.Epoch {
		r.mu.Unlock()
		if exists {
			metrics.StaleRegistrationsTotal.Inc()
		}
		return false
	}
	delete(r.nodes, nodeID)
	size := len(r.nodes)
	r.mu.Unlock()

	metrics.RegisteredNodes.Set(float64(size))
	r.signal(nodeID, touchedFeatures(prev.Features, nil))
	return true
}

// Snapshot retorna una copia point-in-time de las registraciones. El caller
// no debe asumir que sigue válida a través de decisiones del coordinator.
func (r *Registry) Snapshot() []NodeRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRegistration, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Get retorna la registración de un nodo, si existe.
func (r *Registry) Get(nodeID uint64) (NodeRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return NodeRegistration{}, false
	}
	return n.clone(), true
}

// Len retorna la cantidad de nodos registrados.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Reset reemplaza todo el estado (restore de snapshot). No emite señales:
// tras un restore el coordinator hace rescan completo.
func (r *Registry) Reset(nodes []NodeRegistration) {
	r.mu.Lock()
	r.nodes = make(map[uint64]NodeRegistration, len(nodes))
	for _, n := range nodes {
		r.nodes[n.NodeID] = n.clone()
	}
	size := len(r.nodes)
	r.mu.Unlock()
	metrics.RegisteredNodes.Set(float64(size))
}

// signal emite la señal de cambio sin bloquear el apply loop.
func (r *Registry) signal(nodeID uint64, features []string) {
	if len(features) == 0 {
		return
	}
	select {
	case r.changes <- Change{NodeID: nodeID, Features: features}:
	default:
		// Buffer lleno: el consumidor está atrasado. Perder la señal rompería
		// la invariante de re-evaluación, así que logueamos fuerte; el
		// coordinator compensa con el rescan periódico.
		logger.Named("registry").Warn("change buffer full, dropping signal",
			logger.NodeID(nodeID), logger.Strings("features", features))
	}
}

// touchedFeatures retorna la unión ordenada de nombres presentes en los
// mapeos viejo y nuevo.
func touchedFeatures(old, cur map[string]feature.VersionRange) []string {
	set := make(map[string]struct{}, len(old)+len(cur))
	for k := range old {
		set[k] = struct{}{}
	}
	for k := range cur {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
