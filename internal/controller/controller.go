// Package controller expone el driver API del core: registración de nodos,
// recompute/downgrade de features y lecturas locales (cache + espera por
// offset). Es la fachada que consumen el HTTP layer y el CLI.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/featgate/internal/audit"
	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/coordinator"
	"github.com/dropDatabas3/featgate/internal/featcache"
	"github.com/dropDatabas3/featgate/internal/feature"
	"github.com/dropDatabas3/featgate/internal/lease"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"github.com/dropDatabas3/featgate/internal/registry"
)

var (
	// ErrBadRange indica una declaración con min > max.
	ErrBadRange = errors.New("featgate: invalid feature range (min > max)")
	// ErrBadNodeID indica un NodeID cero.
	ErrBadNodeID = errors.New("featgate: node id must be non-zero")
)

// Log es la porción de cluster.Node que el controller usa para escribir y
// para reportar estado. Interface para poder testear la fachada sin Raft.
type Log interface {
	Apply(ctx context.Context, rec cluster.Record) (uint64, error)
	IsLeader() bool
	LeaderID() string
	NodeID() string
	KnownPeers() int
	CurrentEpoch() uint64
}

// Recomputer es la porción del coordinator que consume el driver API.
type Recomputer interface {
	RequestRecompute(ctx context.Context, name string) (coordinator.Outcome, error)
	Downgrade(ctx context.Context, name string, version uint64) (coordinator.Outcome, error)
}

// RegisterRequest es la registración entrante de un nodo.
// Epoch == 0 pide auto-asignación: epoch previo del nodo + 1 (o 1 si es nuevo).
type RegisterRequest struct {
	NodeID    uint64                          `json:"nodeId"`
	Epoch     uint64                          `json:"nodeEpoch,omitempty"`
	Features  map[string]feature.VersionRange `json:"features"`
	Endpoints map[string]string               `json:"endpoints,omitempty"`
}

// RegisterResult reporta el epoch efectivo y el offset del commit.
type RegisterResult struct {
	NodeID uint64 `json:"nodeId"`
	Epoch  uint64 `json:"nodeEpoch"`
	Offset uint64 `json:"offset"`
}

// ClusterStatus es la vista read-only para /v1/cluster/status.
type ClusterStatus struct {
	NodeID          string            `json:"nodeId"`
	LeaderID        string            `json:"leaderId"`
	IsLeader        bool              `json:"isLeader"`
	Peers           int               `json:"peers"`
	ControllerEpoch uint64            `json:"controllerEpoch"`
	AppliedOffset   uint64            `json:"appliedOffset"`
	OutOfSync       bool              `json:"outOfSync"`
	RegisteredNodes int               `json:"registeredNodes"`
	Decisions       map[string]uint64 `json:"decisions"`
}

// Controller implementa el driver API sobre el log replicado.
type Controller struct {
	node   Log
	reg    *registry.Registry
	state  *featcache.State
	coord  Recomputer
	leases *lease.Tracker
	sink   audit.Sink
}

// Options agrupa colaboradores opcionales de la fachada.
type Options struct {
	Leases *lease.Tracker // nil = sin liveness por TTL
	Sink   audit.Sink     // nil = Nop
}

func New(node Log, reg *registry.Registry, state *featcache.State, coord Recomputer, opts Options) *Controller {
	sink := opts.Sink
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Controller{
		node:   node,
		reg:    reg,
		state:  state,
		coord:  coord,
		leases: opts.Leases,
		sink:   sink,
	}
}

// RegisterNode apendea una registración al log y bloquea hasta el commit.
// Idempotente por epoch: re-aplicar la misma registración no cambia estado, y
// una registración con epoch menor al vigente se ignora en el apply (el append
// igual sucede; la decisión de vigencia es de la FSM, no del proponente).
func (c *Controller) RegisterNode(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	log := logger.From(ctx).With(
		logger.Component("controller"),
		logger.Op("RegisterNode"),
		logger.NodeID(req.NodeID),
	)

	if req.NodeID == 0 {
		return RegisterResult{}, ErrBadNodeID
	}
	for name, r := range req.Features {
		if !r.Valid() {
			log.Warn("rejecting registration with invalid range", logger.Feature(name))
			return RegisterResult{}, fmt.Errorf("%w: feature %q", ErrBadRange, name)
		}
	}

	epoch := req.Epoch
	if epoch == 0 {
		// Auto-asignación: sucesor estricto del epoch conocido localmente.
		// Si la vista local está atrasada el apply lo resuelve (epoch-CAS).
		if prev, ok := c.reg.Get(req.NodeID); ok {
			epoch = prev.Epoch + 1
		} else {
			epoch = 1
		}
	}

	payload, err := json.Marshal(cluster.RegisterNodeDTO{
		NodeID:    req.NodeID,
		Epoch:     epoch,
		Features:  req.Features,
		Endpoints: req.Endpoints,
	})
	if err != nil {
		return RegisterResult{}, err
	}
	offset, err := c.node.Apply(ctx, cluster.Record{
		Type:    cluster.RecordRegisterNode,
		TsUnix:  time.Now().Unix(),
		Epoch:   c.node.CurrentEpoch(),
		Payload: payload,
	})
	if err != nil {
		log.Warn("register append failed", logger.Err(err))
		return RegisterResult{}, err
	}

	if c.leases != nil {
		c.leases.Track(req.NodeID, epoch)
	}
	c.sink.Record(audit.Event{
		Kind:   "node_registered",
		NodeID: req.NodeID,
		Offset: offset,
		Detail: map[string]any{"nodeEpoch": epoch},
	})
	log.Info("node registered", logger.Epoch(epoch), logger.Offset(offset))
	return RegisterResult{NodeID: req.NodeID, Epoch: epoch, Offset: offset}, nil
}

// DeregisterNode apendea la baja explícita. Epoch == 0 usa el epoch vigente
// según la vista local (baja "del nodo tal como lo conozco").
func (c *Controller) DeregisterNode(ctx context.Context, nodeID, epoch uint64) (uint64, error) {
	log := logger.From(ctx).With(
		logger.Component("controller"),
		logger.Op("DeregisterNode"),
		logger.NodeID(nodeID),
	)

	if nodeID == 0 {
		return 0, ErrBadNodeID
	}
	if epoch == 0 {
		if prev, ok := c.reg.Get(nodeID); ok {
			epoch = prev.Epoch
		}
	}

	payload, err := json.Marshal(cluster.DeregisterNodeDTO{NodeID: nodeID, Epoch: epoch})
	if err != nil {
		return 0, err
	}
	offset, err := c.node.Apply(ctx, cluster.Record{
		Type:    cluster.RecordDeregisterNode,
		TsUnix:  time.Now().Unix(),
		Epoch:   c.node.CurrentEpoch(),
		Payload: payload,
	})
	if err != nil {
		log.Warn("deregister append failed", logger.Err(err))
		return 0, err
	}

	if c.leases != nil {
		c.leases.Drop(nodeID)
	}
	c.sink.Record(audit.Event{
		Kind:   "node_deregistered",
		NodeID: nodeID,
		Offset: offset,
		Detail: map[string]any{"nodeEpoch": epoch},
	})
	log.Info("node deregistered", logger.Epoch(epoch), logger.Offset(offset))
	return offset, nil
}

// Heartbeat renueva el lease de liveness de un nodo. Retorna false si el nodo
// no tiene lease activo (nunca se registró por este proceso o ya expiró).
func (c *Controller) Heartbeat(nodeID uint64) bool {
	if c.leases == nil {
		return false
	}
	return c.leases.Renew(nodeID)
}

// RequestRecompute fuerza una re-evaluación de una feature en el leader.
func (c *Controller) RequestRecompute(ctx context.Context, name string) (coordinator.Outcome, error) {
	out, err := c.coord.RequestRecompute(ctx, name)
	if err == nil && out.Changed {
		c.sink.Record(audit.Event{
			Kind:    "decision",
			Feature: out.Feature,
			Version: out.Version,
			Offset:  out.Offset,
		})
	}
	return out, err
}

// RequestDowngrade propone un downgrade explícito de una feature.
func (c *Controller) RequestDowngrade(ctx context.Context, name string, version uint64) (coordinator.Outcome, error) {
	out, err := c.coord.Downgrade(ctx, name, version)
	if err == nil && out.Changed {
		c.sink.Record(audit.Event{
			Kind:    "downgrade",
			Feature: out.Feature,
			Version: out.Version,
			Offset:  out.Offset,
		})
	}
	return out, err
}

// WaitUntil bloquea hasta que el cache local haya aplicado al menos offset.
func (c *Controller) WaitUntil(ctx context.Context, offset uint64) error {
	return c.state.WaitUntil(ctx, offset)
}

// CurrentDecisions retorna el mapa feature -> versión finalizada (lock-free).
func (c *Controller) CurrentDecisions() map[string]uint64 {
	return c.state.CurrentDecisions()
}

// Decisions retorna las decisiones vigentes con su metadata.
func (c *Controller) Decisions() []featcache.Decision {
	return c.state.Decisions()
}

// Decision retorna la decisión vigente de una feature.
func (c *Controller) Decision(name string) (featcache.Decision, bool) {
	return c.state.Decision(name)
}

// Nodes retorna la vista local de nodos registrados.
func (c *Controller) Nodes() []registry.NodeRegistration {
	return c.reg.Snapshot()
}

// Status arma la vista de estado del cluster para diagnóstico.
func (c *Controller) Status() ClusterStatus {
	return ClusterStatus{
		NodeID:          c.node.NodeID(),
		LeaderID:        c.node.LeaderID(),
		IsLeader:        c.node.IsLeader(),
		Peers:           c.node.KnownPeers(),
		ControllerEpoch: c.node.CurrentEpoch(),
		AppliedOffset:   c.state.AppliedOffset(),
		OutOfSync:       c.state.OutOfSync(),
		RegisteredNodes: c.reg.Len(),
		Decisions:       c.state.CurrentDecisions(),
	}
}
