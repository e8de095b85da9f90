// Package lease implementa liveness por TTL del lado del leader: cada nodo
// registrado mantiene un lease que se renueva por heartbeat; si expira, el
// tracker dispara una propuesta de deregistración automática. Esto vuelve
// operativo el "liveness epoch" del modelo sin acoplar el registry al reloj.
package lease

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dropDatabas3/featgate/internal/observability/logger"
	gocache "github.com/patrickmn/go-cache"
)

// OnExpire se invoca cuando el lease de un nodo expira sin renovación.
// Recibe el node_id y el epoch con el que fue trackeado, para que la
// deregistración propuesta no pise una re-registración más nueva.
type OnExpire func(nodeID, epoch uint64)

type entry struct {
	nodeID uint64
	epoch  uint64
	// canceled marca bajas explícitas: go-cache dispara OnEvicted también en
	// Delete, y no queremos proponer una deregistración por una baja que ya
	// pasó por el log.
	canceled atomic.Bool
}

// Tracker administra los leases. Solo corre con efecto en el leader: los
// followers trackean igual pero el callback decide no proponer.
type Tracker struct {
	c   *gocache.Cache
	ttl time.Duration
}

// NewTracker crea el tracker con el TTL dado. El sweep corre a TTL/2
// (mínimo 1s) para que la expiración no se atrase demasiado.
func NewTracker(ttl time.Duration, onExpire OnExpire) *Tracker {
	sweep := ttl / 2
	if sweep < time.Second {
		sweep = time.Second
	}
	c := gocache.New(ttl, sweep)
	c.OnEvicted(func(key string, v interface{}) {
		e, ok := v.(*entry)
		if !ok || e.canceled.Load() {
			return
		}
		logger.Named("lease").Warn("lease expired, proposing deregistration",
			logger.NodeID(e.nodeID), logger.Epoch(e.epoch))
		if onExpire != nil {
			onExpire(e.nodeID, e.epoch)
		}
	})
	return &Tracker{c: c, ttl: ttl}
}

// Track registra (o renueva con nuevo epoch) el lease de un nodo.
func (t *Tracker) Track(nodeID, epoch uint64) {
	key := strconv.FormatUint(nodeID, 10)
	// cancelar el lease previo antes de pisarlo para que el Set no dispare
	// una deregistración espuria
	if v, ok := t.c.Get(key); ok {
		if e, ok := v.(*entry); ok {
			e.canceled.Store(true)
		}
	}
	t.c.Set(key, &entry{nodeID: nodeID, epoch: epoch}, t.ttl)
}

// Renew extiende el lease si existe. Retorna false si el nodo no tiene lease
// (expiró o nunca se trackeó) — el caller debería re-registrar.
func (t *Tracker) Renew(nodeID uint64) bool {
	key := strconv.FormatUint(nodeID, 10)
	v, ok := t.c.Get(key)
	if !ok {
		return false
	}
	e, ok := v.(*entry)
	if !ok {
		return false
	}
	e.canceled.Store(true)
	fresh := &entry{nodeID: e.nodeID, epoch: e.epoch}
	t.c.Set(key, fresh, t.ttl)
	return true
}

// Drop remueve el lease sin disparar el callback (baja explícita que ya fue
// propuesta por el caller).
func (t *Tracker) Drop(nodeID uint64) {
	key := strconv.FormatUint(nodeID, 10)
	if v, ok := t.c.Get(key); ok {
		if e, ok := v.(*entry); ok {
			e.canceled.Store(true)
		}
	}
	t.c.Delete(key)
}

// Len retorna la cantidad de leases vivos.
func (t *Tracker) Len() int {
	return t.c.ItemCount()
}
