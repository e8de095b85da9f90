// Package coordinator implementa la unidad de decisión de la negociación de
// features. Solo el leader ejecuta el write path; los no-leaders lo corren en
// modo read-only (las decisiones les llegan por el log, nunca se computan
// localmente).
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/featcache"
	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/metrics"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"github.com/dropDatabas3/featgate/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Proposer es la porción de cluster.Node que el coordinator necesita para
// escribir al log. "Am I leader" se le pregunta al log en cada propuesta;
// nunca se cachea a través de un append.
type Proposer interface {
	Apply(ctx context.Context, rec cluster.Record) (uint64, error)
	VerifyLeader(ctx context.Context) error
	IsLeader() bool
	CurrentEpoch() uint64
}

// Options configura el coordinator.
type Options struct {
	// Mandatory marca features cuya declaración es obligatoria: un nodo
	// registrado que no la declara clava la intersección en [0,0].
	Mandatory []string

	// Workers acota la cantidad de propuestas concurrentes entre features
	// distintas (por feature siempre hay a lo sumo una en vuelo).
	// Default: 4.
	Workers int

	// ProposeTimeout es el deadline de cada recompute+propose.
	// Default: 10s.
	ProposeTimeout time.Duration

	// RescanInterval dispara un re-scan completo periódico en el leader
	// (compensa señales perdidas y la adquisición de liderazgo).
	// Default: 30s.
	RescanInterval time.Duration

	// OnDecision se invoca (si no es nil) tras cada decisión commiteada por
	// este proceso. Acá se cuelgan el announcer Redis y el audit sink.
	OnDecision func(Outcome)
}

// Outcome es el resultado de un recompute+propose.
type Outcome struct {
	Feature string `json:"feature"`
	Version uint64 `json:"version"`
	Offset  uint64 `json:"offset"`
	// Changed indica si se apendió una decisión nueva. false = NoProgress o
	// valor ya vigente.
	Changed bool `json:"changed"`
	// Downgrade indica si el record apendeado fue un downgrade explícito.
	Downgrade bool `json:"downgrade"`
}

// Coordinator consume señales "registry changed" y propone decisiones.
type Coordinator struct {
	node  Proposer
	reg   *registry.Registry
	state *featcache.State

	mandatory map[string]struct{}
	timeout   time.Duration
	rescan    time.Duration

	// sem acota el fan-out cuando muchas features cambian a la vez.
	sem chan struct{}

	// inflight/pending serializan por feature: nunca dos propuestas en vuelo
	// para el mismo nombre, pero features distintas avanzan en paralelo.
	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool

	// sf colapsa RequestRecompute concurrentes del driver sobre una misma
	// feature en una sola corrida.
	sf singleflight.Group

	onDecision func(Outcome)

	log *zap.Logger
}

func New(node Proposer, reg *registry.Registry, state *featcache.State, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ProposeTimeout <= 0 {
		opts.ProposeTimeout = 10 * time.Second
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 30 * time.Second
	}
	m := make(map[string]struct{}, len(opts.Mandatory))
	for _, f := range opts.Mandatory {
		m[f] = struct{}{}
	}
	return &Coordinator{
		node:       node,
		reg:        reg,
		state:      state,
		mandatory:  m,
		timeout:    opts.ProposeTimeout,
		rescan:     opts.RescanInterval,
		sem:        make(chan struct{}, opts.Workers),
		inflight:   make(map[string]bool),
		pending:    make(map[string]bool),
		onDecision: opts.OnDecision,
		log:        logger.Named("coordinator"),
	}
}

// Run consume el canal de cambios del registry hasta que ctx se cancele.
// Cada señal agenda recompute+propose para cada feature tocada. En procesos
// no-leader las señales se descartan: la re-evaluación ocurre en el leader y
// el resultado llega por el log.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-c.reg.Changes():
			if !ok {
				return
			}
			if !c.node.IsLeader() {
				continue
			}
			for _, f := range ch.Features {
				c.schedule(ctx, f)
			}
		case <-ticker.C:
			if !c.node.IsLeader() {
				continue
			}
			for _, f := range c.knownFeatures() {
				c.schedule(ctx, f)
			}
		}
	}
}

// knownFeatures es la unión de features declaradas por nodos registrados y
// features con decisión vigente.
func (c *Coordinator) knownFeatures() []string {
	set := make(map[string]struct{})
	for _, n := range c.reg.Snapshot() {
		for f := range n.Features {
			set[f] = struct{}{}
		}
	}
	for f := range c.state.CurrentDecisions() {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// schedule garantiza a lo sumo un worker por feature; si ya hay uno en vuelo
// deja pendiente una re-corrida (el cambio que la motivó podría no haber sido
// visto por la corrida en curso).
func (c *Coordinator) schedule(ctx context.Context, name string) {
	c.mu.Lock()
	if c.inflight[name] {
		c.pending[name] = true
		c.mu.Unlock()
		return
	}
	c.inflight[name] = true
	c.mu.Unlock()

	go func() {
		for {
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				c.clearInflight(name)
				return
			}

			runCtx, cancel := context.WithTimeout(ctx, c.timeout)
			out, err := c.RequestRecompute(runCtx, name)
			cancel()
			<-c.sem

			switch {
			case err == nil && out.Changed:
				c.log.Info("decision appended",
					logger.Feature(name), logger.Version(out.Version), logger.Offset(out.Offset))
			case errors.Is(err, feature.ErrNotLeader):
				// candidato descartado, sin cambio de estado; el retry es del
				// caller porque el liderazgo pudo moverse
				c.log.Warn("proposal dropped, not leader", logger.Feature(name))
			case err != nil:
				c.log.Error("recompute failed", logger.Feature(name), logger.Err(err))
			}

			c.mu.Lock()
			if c.pending[name] {
				delete(c.pending, name)
				c.mu.Unlock()
				continue
			}
			delete(c.inflight, name)
			c.mu.Unlock()
			return
		}
	}()
}

func (c *Coordinator) clearInflight(name string) {
	c.mu.Lock()
	delete(c.inflight, name)
	delete(c.pending, name)
	c.mu.Unlock()
}

// Recompute calcula el candidato para una feature: el máximo v tal que todo
// nodo registrado que declara la feature cumple min <= v <= max, recortado por
// abajo por la decisión vigente (política monotónica). Retorna ok=false si no
// hay avance posible (NoProgress: intersección vacía sobre el valor actual, o
// ninguna registración declara la feature).
func (c *Coordinator) Recompute(name string) (uint64, bool) {
	nodes := c.reg.Snapshot()
	cur, exists := c.state.Decision(name)

	_, mandatory := c.mandatory[name]
	var lo, hi uint64 = 0, ^uint64(0)
	declared := 0
	for _, n := range nodes {
		r, ok := n.Features[name]
		if !ok {
			if !mandatory {
				// feature opcional: el nodo no participa de esta intersección
				continue
			}
			// mandatory: no declararla clava la decisión en 0
			r = feature.VersionRange{Min: 0, Max: 0}
		}
		declared++
		if r.Min > lo {
			lo = r.Min
		}
		if r.Max < hi {
			hi = r.Max
		}
	}
	if declared == 0 {
		// sin participantes no hay con qué computar un máximo
		return 0, false
	}
	if lo > hi {
		// intersección vacía entre los propios nodos
		return 0, false
	}
	if exists {
		if hi < cur.Version {
			// nadie puede subir por encima del rango común: sin avance, el
			// valor vigente queda como está (no es un error)
			return 0, false
		}
		if hi == cur.Version {
			// ya finalizado en el máximo común
			return cur.Version, false
		}
	}
	return hi, true
}

// RequestRecompute corre recompute+propose para una feature. Llamadas
// concurrentes para el mismo nombre se colapsan en una sola corrida
// (singleflight); por feature nunca hay dos propuestas en vuelo.
func (c *Coordinator) RequestRecompute(ctx context.Context, name string) (Outcome, error) {
	v, err, _ := c.sf.Do(name, func() (any, error) {
		return c.runOnce(ctx, name)
	})
	if err != nil {
		return Outcome{Feature: name}, err
	}
	return v.(Outcome), nil
}

// runOnce es una pasada del máquina de estados por feature:
// Stable -> Recomputing -> (append ok | not-leader | no-progress) -> Stable.
func (c *Coordinator) runOnce(ctx context.Context, name string) (Outcome, error) {
	// Re-validar liderazgo contra el quorum antes de computar nada.
	if err := c.node.VerifyLeader(ctx); err != nil {
		return Outcome{Feature: name}, err
	}

	candidate, ok := c.Recompute(name)
	if !ok {
		metrics.RecomputeNoProgressTotal.Inc()
		c.log.Debug("recompute: no progress", logger.Feature(name))
		cur, _ := c.state.Decision(name)
		return Outcome{Feature: name, Version: cur.Version, Changed: false}, nil
	}

	return c.proposeAndCommit(ctx, name, candidate, cluster.RecordFeatureDecision)
}

// Downgrade propone un downgrade explícito: bypasea el clamp monotónico pero
// exige que la versión destino siga dentro del rango de todo nodo registrado
// que declara la feature; si no, se rechaza en tiempo de propuesta.
func (c *Coordinator) Downgrade(ctx context.Context, name string, version uint64) (Outcome, error) {
	if err := c.node.VerifyLeader(ctx); err != nil {
		return Outcome{Feature: name}, err
	}
	if err := c.validateTarget(name, version); err != nil {
		return Outcome{Feature: name}, err
	}
	return c.proposeAndCommit(ctx, name, version, cluster.RecordFeatureDowngrade)
}

// validateTarget chequea la intersección para un valor explícito.
func (c *Coordinator) validateTarget(name string, version uint64) error {
	_, mandatory := c.mandatory[name]
	for _, n := range c.reg.Snapshot() {
		r, ok := n.Features[name]
		if !ok {
			if !mandatory {
				continue
			}
			r = feature.VersionRange{Min: 0, Max: 0}
		}
		if !r.Contains(version) {
			return feature.ErrDowngradeRejected
		}
	}
	return nil
}

// proposeAndCommit apendea el record de decisión y bloquea hasta que el log
// confirme el offset del commit. Si el append falla por pérdida de liderazgo
// el candidato se descarta y se surfacea not-leader sin retry.
func (c *Coordinator) proposeAndCommit(ctx context.Context, name string, version uint64, t cluster.RecordType) (Outcome, error) {
	epoch := c.node.CurrentEpoch()
	payload, err := json.Marshal(cluster.FeatureDecisionDTO{
		Name:    name,
		Version: version,
		Epoch:   epoch,
	})
	if err != nil {
		return Outcome{Feature: name}, err
	}
	offset, err := c.node.Apply(ctx, cluster.Record{
		Type:    t,
		TsUnix:  time.Now().Unix(),
		Epoch:   epoch,
		Payload: payload,
	})
	if err != nil {
		return Outcome{Feature: name}, err
	}
	out := Outcome{
		Feature:   name,
		Version:   version,
		Offset:    offset,
		Changed:   true,
		Downgrade: t == cluster.RecordFeatureDowngrade,
	}
	if c.onDecision != nil {
		c.onDecision(out)
	}
	return out, nil
}
