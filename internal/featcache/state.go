// Package featcache es la vista local read-optimized de las decisiones de
// features, alimentada por el apply loop de la FSM en estricto orden de log.
// Expone la primitiva bloqueante WaitUntil(offset) que usan los callers que
// necesitan haber observado una decisión antes de seguir.
package featcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/metrics"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// Decision es el estado autoritativo de una feature, tal como se aplicó
// desde el log.
type Decision struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	// Epoch es el controller epoch bajo el cual se decidió el valor
	// (tie-break y detección de staleness).
	Epoch uint64 `json:"epoch"`
}

// State contiene decisiones + offset aplicado. Único escritor: el apply loop
// de la FSM (raft entrega un stream de applies secuencial y ordenado, que es
// exactamente el "tailer single-threaded" del modelo). Lectores concurrentes:
// snapshots inmutables publicados por atomic.Pointer, sin locks.
type State struct {
	mu        sync.Mutex
	decisions map[string]Decision
	applied   uint64
	outOfSync bool

	// waitCh se cierra y reemplaza en cada avance de offset: broadcast barato
	// para N waiters sin polling.
	waitCh chan struct{}

	// view es el snapshot inmutable feature -> versión finalizada.
	// Se republica entero en cada decisión aplicada.
	view atomic.Pointer[map[string]uint64]

	// appliedAtomic duplica applied para lecturas sin lock.
	appliedAtomic atomic.Uint64
}

// NewState crea un cache vacío.
func NewState() *State {
	s := &State{
		decisions: make(map[string]Decision),
		waitCh:    make(chan struct{}),
	}
	empty := map[string]uint64{}
	s.view.Store(&empty)
	return s
}

// ApplyDecision aplica un record de decisión en la posición offset.
// Para records normales (downgrade=false) una versión menor a la vigente se
// ignora: la invariante de no-regresión solo la rompe un downgrade explícito.
// Retorna true si el valor cambió.
func (s *State) ApplyDecision(d Decision, offset uint64, downgrade bool) bool {
	s.mu.Lock()
	prev, exists := s.decisions[d.Name]
	changed := false
	switch {
	case downgrade:
		s.decisions[d.Name] = d
		changed = !exists || prev.Version != d.Version
	case !exists || d.Version > prev.Version:
		s.decisions[d.Name] = d
		changed = true
	case d.Version == prev.Version:
		// refresco de epoch sin cambio de valor
		s.decisions[d.Name] = d
	default:
		logger.Named("featcache").Warn("non-downgrade decision below current value ignored",
			logger.Feature(d.Name), logger.Version(d.Version), logger.Offset(offset))
	}
	if changed {
		s.republishLocked()
	}
	s.advanceLocked(offset)
	s.mu.Unlock()

	if changed {
		metrics.FeatureDecisionsTotal.WithLabelValues(d.Name).Inc()
		if downgrade {
			metrics.FeatureDowngradesTotal.Inc()
		}
	}
	return changed
}

// Advance avanza el offset aplicado sin tocar decisiones (records de
// registración también cuentan para WaitUntil).
func (s *State) Advance(offset uint64) {
	s.mu.Lock()
	s.advanceLocked(offset)
	s.mu.Unlock()
}

// advanceLocked asume mu tomado. Offsets no crecientes son re-delivery y no
// despiertan a nadie.
func (s *State) advanceLocked(offset uint64) {
	if offset <= s.applied {
		return
	}
	s.applied = offset
	s.appliedAtomic.Store(offset)
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

// republishLocked reconstruye el snapshot inmutable. Asume mu tomado.
func (s *State) republishLocked() {
	v := make(map[string]uint64, len(s.decisions))
	for name, d := range s.decisions {
		v[name] = d.Version
	}
	s.view.Store(&v)
}

// WaitUntil bloquea al caller (nunca al tailer) hasta que el offset aplicado
// alcance offset, o hasta que ctx venza. En timeout el resultado es
// ErrWaitTimeout: "desconocido, no fallido" — la operación puede completarse
// igual; el caller no debe asumir rollback.
func (s *State) WaitUntil(ctx context.Context, offset uint64) error {
	start := time.Now()
	for {
		s.mu.Lock()
		if s.outOfSync {
			s.mu.Unlock()
			return feature.ErrOutOfSync
		}
		if s.applied >= offset {
			s.mu.Unlock()
			metrics.WaitUntilLatency.Observe(float64(time.Since(start).Milliseconds()))
			return nil
		}
		ch := s.waitCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			metrics.WaitUntilTimeouts.Inc()
			return feature.ErrWaitTimeout
		case <-ch:
			// offset avanzó (o el estado cambió); re-chequear
		}
	}
}

// CurrentDecisions retorna la vista feature -> versión finalizada.
// Lectura lock-free; el mapa es un snapshot inmutable compartido y NO debe
// mutarse por el caller.
func (s *State) CurrentDecisions() map[string]uint64 {
	return *s.view.Load()
}

// Decision retorna la decisión completa (con epoch) de una feature.
func (s *State) Decision(name string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[name]
	return d, ok
}

// Decisions retorna una copia de todas las decisiones (para snapshot de FSM).
func (s *State) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		out = append(out, d)
	}
	return out
}

// AppliedOffset retorna el offset aplicado, sin lock.
func (s *State) AppliedOffset() uint64 {
	return s.appliedAtomic.Load()
}

// ResetFromSnapshot reemplaza todo el estado tras un restore de snapshot
// (instalación = re-sync completo; nunca reparación incremental). Despierta a
// todos los waiters para que re-evalúen contra el nuevo offset.
func (s *State) ResetFromSnapshot(decisions []Decision, offset uint64) {
	s.mu.Lock()
	s.decisions = make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		s.decisions[d.Name] = d
	}
	s.outOfSync = false
	s.republishLocked()
	if offset > s.applied {
		s.applied = offset
		s.appliedAtomic.Store(offset)
	}
	close(s.waitCh)
	s.waitCh = make(chan struct{})
	s.mu.Unlock()
}

// MarkOutOfSync marca el cache como fuera de sync (re-sync imposible).
// Los WaitUntil en curso y futuros fallan rápido con ErrOutOfSync.
func (s *State) MarkOutOfSync() {
	s.mu.Lock()
	s.outOfSync = true
	close(s.waitCh)
	s.waitCh = make(chan struct{})
	s.mu.Unlock()
	logger.Named("featcache").Error("cache marked out of sync; resync failed")
}

// OutOfSync informa si el cache está marcado fuera de sync.
func (s *State) OutOfSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outOfSync
}
