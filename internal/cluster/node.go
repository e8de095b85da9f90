package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/dropDatabas3/featgate/internal/feature"
	appmetrics "github.com/dropDatabas3/featgate/internal/metrics"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
)

// membershipTimeout acota AddVoter/RemoveServer.
const membershipTimeout = 10 * time.Second

// Node envuelve *raft.Raft: es el log replicado del controller. Append
// ordenado con commit por quorum; el offset es el índice raft y el
// controller epoch es el término raft.
type Node struct {
	r            *raft.Raft
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	peers        map[string]string // nodeID -> raftAddr
	membershipMu sync.Mutex
}

type NodeOptions struct {
	NodeID   string
	RaftAddr string // host:port del transporte raft
	RaftDir  string
	FSM      raft.FSM
	// Peers es el conjunto estático (nodeID -> raftAddr). Con más de uno,
	// bootstrap estático en un solo nodo determinístico.
	Peers map[string]string
	// BootstrapPreferred fuerza a este nodo como bootstrapper inicial.
	// Usar en un solo nodo; sin flag se elige el menor NodeID.
	BootstrapPreferred bool
	// DisableBootstrap: el nodo arranca join-only y espera que el leader lo
	// agregue vía AddVoter.
	DisableBootstrap bool

	// mTLS opcional para el stream raft.
	RaftTLSEnable     bool
	RaftTLSCertFile   string
	RaftTLSKeyFile    string
	RaftTLSCAFile     string
	RaftTLSServerName string
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.NodeID == "" || opts.RaftAddr == "" || opts.RaftDir == "" || opts.FSM == nil {
		return nil, errors.New("invalid NodeOptions")
	}
	log := logger.Named("cluster")
	if err := os.MkdirAll(opts.RaftDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir raft dir: %w", err)
	}

	// Log + stable store comparten la misma Bolt DB.
	boltPath := filepath.Join(opts.RaftDir, "raft.db")
	boltStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(opts.RaftDir, 2, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	var trans *raft.NetworkTransport
	if opts.RaftTLSEnable {
		bundle, err := loadTLSBundle(opts.RaftTLSCertFile, opts.RaftTLSKeyFile, opts.RaftTLSCAFile, opts.RaftTLSServerName)
		if err != nil {
			return nil, fmt.Errorf("raft tls: %w", err)
		}
		ln, err := tls.Listen("tcp", opts.RaftAddr, bundle.server)
		if err != nil {
			return nil, fmt.Errorf("tls listen: %w", err)
		}
		trans = raft.NewNetworkTransport(&tlsStream{ln: ln, cfg: bundle.client}, 3, 10*time.Second, os.Stdout)
	} else {
		trans, err = raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, os.Stdout)
		if err != nil {
			return nil, fmt.Errorf("tcp transport: %w", err)
		}
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)

	r, err := raft.NewRaft(cfg, opts.FSM, boltStore, boltStore, snapStore, trans)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}

	go func(ch <-chan bool) {
		for isLeader := range ch {
			if isLeader {
				appmetrics.RaftLeadershipChanges.Inc()
			}
		}
	}(r.LeaderCh())

	hasState, err := raft.HasExistingState(boltStore, boltStore, snapStore)
	if err != nil {
		return nil, fmt.Errorf("check state: %w", err)
	}
	if !hasState {
		switch {
		case opts.DisableBootstrap:
			log.Info("join-only mode, skipping bootstrap",
				logger.RaftID(opts.NodeID), logger.String("addr", opts.RaftAddr))
		case len(opts.Peers) <= 1:
			conf := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: trans.LocalAddr()}}}
			if err := r.BootstrapCluster(conf).Error(); err != nil {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
			log.Info("bootstrapped single-node cluster",
				logger.RaftID(opts.NodeID), logger.String("addr", opts.RaftAddr))
		default:
			// Bootstrap estático en un solo nodo determinístico: el flag
			// explícito gana, si no el menor NodeID.
			smallest := opts.NodeID
			for id := range opts.Peers {
				if id < smallest {
					smallest = id
				}
			}
			if opts.BootstrapPreferred || opts.NodeID == smallest {
				servers := make([]raft.Server, 0, len(opts.Peers))
				for id, addr := range opts.Peers {
					servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
				}
				if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
					return nil, fmt.Errorf("bootstrap(static): %w", err)
				}
				log.Info("bootstrapped static cluster",
					logger.RaftID(opts.NodeID), logger.Count(len(servers)))
			} else {
				log.Info("waiting to join static cluster",
					logger.RaftID(opts.NodeID), logger.String("bootstrapper", smallest))
			}
		}
	}

	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for range t.C {
			if st, err := os.Stat(boltPath); err == nil {
				appmetrics.RaftLogSizeBytes.Set(float64(st.Size()))
			}
		}
	}()

	return &Node{r: r, applyTimeout: 5 * time.Second, id: cfg.LocalID, addr: trans.LocalAddr(), peers: opts.Peers}, nil
}

// waitFuture espera un future raft respetando cancelación del ctx.
// El future sigue corriendo si el ctx gana; raft no soporta abortarlo.
func waitFuture(ctx context.Context, fut raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- fut.Error() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// mapLeaderErr envuelve los errores de pérdida de liderazgo de raft en el
// sentinel del dominio; el resto pasa sin tocar.
func mapLeaderErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrLeadershipTransferInProgress) {
		return fmt.Errorf("%w: %v", feature.ErrNotLeader, err)
	}
	return err
}

// Apply serializa el record, lo apendea y bloquea hasta commit (o ctx).
// Retorna el offset (índice raft) del record. Si el proceso no es leader
// retorna ErrNotLeader: el retry es del caller, el liderazgo pudo migrar.
func (n *Node) Apply(ctx context.Context, rec Record) (uint64, error) {
	if n == nil || n.r == nil {
		return 0, errors.New("raft not initialized")
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	fut := n.r.Apply(buf, n.applyTimeout)
	if err := waitFuture(ctx, fut); err != nil {
		return 0, mapLeaderErr(err)
	}
	// El commit pudo confirmar y aun así la FSM rechazar el record (payload
	// corrupto, tipo desconocido): la FSM devuelve ese error vía Response().
	if err, ok := fut.Response().(error); ok {
		return 0, err
	}
	appmetrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
	return fut.Index(), nil
}

func (n *Node) IsLeader() bool {
	if n == nil || n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

// VerifyLeader confirma contra el quorum que este proceso sigue siendo
// leader. El coordinator lo usa antes de proponer: "am I leader" se le
// pregunta al log, nunca se asume a través de un append previo.
func (n *Node) VerifyLeader(ctx context.Context) error {
	if n == nil || n.r == nil {
		return errors.New("raft not initialized")
	}
	if err := waitFuture(ctx, n.r.VerifyLeader()); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", feature.ErrNotLeader, err)
	}
	return nil
}

// CurrentEpoch retorna el término raft vigente, estrictamente creciente a
// través de cambios de liderazgo.
func (n *Node) CurrentEpoch() uint64 {
	if n == nil || n.r == nil {
		return 0
	}
	// raft no expone el término por API; Stats() lo publica como string.
	if s, ok := n.r.Stats()["term"]; ok {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

func (n *Node) LeaderID() string {
	if n == nil || n.r == nil {
		return ""
	}
	addr, id := n.r.LeaderWithID()
	if id != "" {
		return string(id)
	}
	return string(addr)
}

func (n *Node) NodeID() string {
	if n == nil {
		return ""
	}
	return string(n.id)
}

func (n *Node) KnownPeers() int {
	if n == nil || n.peers == nil {
		return 0
	}
	return len(n.peers)
}

func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	return n.r.Shutdown().Error()
}

// ─── Membership ───

// Voter es la vista de un server de la configuración raft.
type Voter struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Voters lista la configuración actual del cluster raft.
func (n *Node) Voters(ctx context.Context) ([]Voter, error) {
	if n == nil || n.r == nil {
		return nil, errors.New("raft not initialized")
	}
	fut := n.r.GetConfiguration()
	if err := waitFuture(ctx, fut); err != nil {
		return nil, err
	}
	servers := fut.Configuration().Servers
	out := make([]Voter, 0, len(servers))
	for _, s := range servers {
		out = append(out, Voter{ID: string(s.ID), Addr: string(s.Address)})
	}
	return out, nil
}

// AddVoter agrega un votante, idempotente: con la misma dirección es un
// no-op; con dirección distinta se remueve primero y se re-agrega (nodo que
// volvió con otra IP/puerto).
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	if n == nil || n.r == nil {
		return errors.New("raft not initialized")
	}
	if id == "" || addr == "" {
		return errors.New("id and addr are required")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	voters, err := n.Voters(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, v := range voters {
		if v.ID != id {
			continue
		}
		if v.Addr == addr {
			return nil
		}
		if err := n.removeServerLocked(ctx, id); err != nil {
			return fmt.Errorf("remove server before re-add: %w", err)
		}
		break
	}
	return mapLeaderErr(waitFuture(ctx, n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, membershipTimeout)))
}

// RemoveServer remueve un nodo del cluster. Idempotente si no existe.
func (n *Node) RemoveServer(ctx context.Context, id string) error {
	if n == nil || n.r == nil {
		return errors.New("raft not initialized")
	}
	if id == "" {
		return errors.New("id cannot be empty")
	}
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()
	return n.removeServerLocked(ctx, id)
}

// removeServerLocked asume membershipMu tomado.
func (n *Node) removeServerLocked(ctx context.Context, id string) error {
	voters, err := n.Voters(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	found := false
	for _, v := range voters {
		if v.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	return mapLeaderErr(waitFuture(ctx, n.r.RemoveServer(raft.ServerID(id), 0, membershipTimeout)))
}

// ─── TLS ───

type tlsBundle struct {
	server *tls.Config
	client *tls.Config
}

func loadTLSBundle(certFile, keyFile, caFile, serverName string) (*tlsBundle, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("invalid CA file")
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
	}
	return &tlsBundle{server: server, client: client}, nil
}

type tlsStream struct {
	ln  net.Listener
	cfg *tls.Config
}

func (t *tlsStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(d, "tcp", string(address), t.cfg)
}
func (t *tlsStream) Accept() (net.Conn, error) { return t.ln.Accept() }
func (t *tlsStream) Close() error              { return t.ln.Close() }
func (t *tlsStream) Addr() net.Addr            { return t.ln.Addr() }
