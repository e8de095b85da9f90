package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/featgate/internal/announce"
	"github.com/dropDatabas3/featgate/internal/audit"
	"github.com/dropDatabas3/featgate/internal/cluster"
	"github.com/dropDatabas3/featgate/internal/config"
	"github.com/dropDatabas3/featgate/internal/controller"
	"github.com/dropDatabas3/featgate/internal/coordinator"
	"github.com/dropDatabas3/featgate/internal/featcache"
	httpserver "github.com/dropDatabas3/featgate/internal/http"
	"github.com/dropDatabas3/featgate/internal/http/handlers"
	"github.com/dropDatabas3/featgate/internal/lease"
	"github.com/dropDatabas3/featgate/internal/metrics"
	"github.com/dropDatabas3/featgate/internal/observability/logger"
	"github.com/dropDatabas3/featgate/internal/registry"
)

// nodeDeregister apendea la baja de un nodo directo al log (usado por el
// vencimiento de lease, que corre por fuera de la fachada HTTP).
func nodeDeregister(ctx context.Context, node *cluster.Node, nodeID, epoch uint64) (uint64, error) {
	payload, err := json.Marshal(cluster.DeregisterNodeDTO{NodeID: nodeID, Epoch: epoch})
	if err != nil {
		return 0, err
	}
	return node.Apply(ctx, cluster.Record{
		Type:    cluster.RecordDeregisterNode,
		TsUnix:  time.Now().Unix(),
		Epoch:   node.CurrentEpoch(),
		Payload: payload,
	})
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func printConfigSummary(c *config.Config) {
	keyMasked := "***masked***"
	if c.Admin.APIKeyHash == "" {
		keyMasked = "NOT_SET"
	}
	log.Printf(`CONFIG:
  server.addr=%s
  cors=%v

  cluster(mode=%s, node_id=%s, raft_addr=%s, raft_dir=%s, peers=%d, tls=%t)

  features(mandatory=%v, workers=%d, propose_timeout=%s, rescan=%s)

  lease(enabled=%t, ttl=%s)
  audit(enabled=%t)
  announce(enabled=%t, addr=%s, channel=%s)

  admin.api_key_hash=%s
`,
		c.Server.Addr, c.Server.CORSAllowedOrigins,
		c.Cluster.Mode, c.Cluster.NodeID, c.Cluster.RaftAddr, c.Cluster.RaftDir, len(c.Cluster.Nodes), c.Cluster.RaftTLSEnable,
		c.Features.Mandatory, c.Features.Workers, c.Features.ProposeTimeout, c.Features.RescanInterval,
		c.Lease.Enabled, c.Lease.TTL,
		c.Audit.Enabled,
		c.Announce.Enabled, c.Announce.Addr, c.Announce.Channel,
		keyMasked,
	)
}

func main() {
	var (
		flagConfigPath = flag.String("config", "", "ruta a config.yaml (fallback: $CONFIG_PATH o configs/config.yaml)")
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env (si existe, se carga)")
		flagPrint      = flag.Bool("print-config", false, "imprime config efectiva y termina")
	)
	flag.Parse()

	if *flagEnvFile != "" && fileExists(*flagEnvFile) {
		if err := godotenv.Load(*flagEnvFile); err == nil {
			log.Printf("dotenv: cargado %s", *flagEnvFile)
		}
	}

	cfgPath := *flagConfigPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	if cfgPath == "" {
		if fileExists("configs/config.yaml") {
			cfgPath = "configs/config.yaml"
		} else {
			cfgPath = "configs/config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *flagPrint {
		printConfigSummary(cfg)
		return
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "featgate",
	})
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("main")

	// Métricas
	if err := metrics.RegisterRaft(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("metrics raft: %v", err)
	}
	if err := metrics.RegisterFeatures(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("metrics features: %v", err)
	}

	// ─── Estado derivado: registry + cache de decisiones ───
	reg := registry.New()
	state := featcache.NewState()
	fsm := cluster.NewFSM(reg, state)

	// ─── Log replicado ───
	if cfg.Cluster.Mode != "embedded" {
		log.Fatalf("cluster.mode=%q: este servicio requiere el log replicado embebido", cfg.Cluster.Mode)
	}
	node, err := cluster.NewNode(cluster.NodeOptions{
		NodeID:            cfg.Cluster.NodeID,
		RaftAddr:          cfg.Cluster.RaftAddr,
		RaftDir:           cfg.Cluster.RaftDir,
		FSM:               fsm,
		Peers:             cfg.Cluster.Nodes,
		DisableBootstrap:  cfg.Cluster.DisableBootstrap,
		RaftTLSEnable:     cfg.Cluster.RaftTLSEnable,
		RaftTLSCertFile:   cfg.Cluster.RaftTLSCertFile,
		RaftTLSKeyFile:    cfg.Cluster.RaftTLSKeyFile,
		RaftTLSCAFile:     cfg.Cluster.RaftTLSCAFile,
		RaftTLSServerName: cfg.Cluster.RaftTLSServerName,
	})
	if err != nil {
		log.Fatalf("cluster: %v", err)
	}
	defer func() { _ = node.Close() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Sinks opcionales: audit (Postgres) y announce (Redis) ───
	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Enabled {
		pg, err := audit.NewPG(rootCtx, cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		sink = pg
	}
	defer sink.Close()

	var announcer *announce.Announcer
	if cfg.Announce.Enabled {
		announcer = announce.New(cfg.Announce.Addr, cfg.Announce.DB, cfg.Announce.Channel)
		defer func() { _ = announcer.Close() }()
	}

	// ─── Coordinator (write path, solo activo en el leader) ───
	coord := coordinator.New(node, reg, state, coordinator.Options{
		Mandatory:      cfg.Features.Mandatory,
		Workers:        cfg.Features.Workers,
		ProposeTimeout: cfg.FeaturesProposeTimeout(),
		RescanInterval: cfg.FeaturesRescanInterval(),
		OnDecision: func(out coordinator.Outcome) {
			if announcer != nil {
				announcer.PublishDecision(announce.Decision{
					Feature:   out.Feature,
					Version:   out.Version,
					Offset:    out.Offset,
					Downgrade: out.Downgrade,
					TsUnix:    time.Now().Unix(),
				})
			}
		},
	})

	// ─── Controller (fachada del driver API) ───
	ctrlOpts := controller.Options{Sink: sink}
	var leases *lease.Tracker
	if cfg.Lease.Enabled {
		leases = lease.NewTracker(cfg.LeaseTTL(), func(nodeID, epoch uint64) {
			// lease vencido: baja automática con el epoch del lease, para no
			// pisar una re-registración más nueva
			lg.Info("lease expired, deregistering node", logger.NodeID(nodeID), logger.Epoch(epoch))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := nodeDeregister(ctx, node, nodeID, epoch); err != nil {
				lg.Warn("lease deregistration failed", logger.NodeID(nodeID), logger.Err(err))
			}
		})
		ctrlOpts.Leases = leases
	}
	ctrl := controller.New(node, reg, state, coord, ctrlOpts)

	// ─── HTTP ───
	h := handlers.New(ctrl, cfg.Cluster.LeaderRedirects, node)
	router := httpserver.NewRouter(h, httpserver.RouterOptions{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AdminKeyHash:       cfg.Admin.APIKeyHash,
	})
	srv := httpserver.NewServer(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		coord.Run(gctx)
		return nil
	})
	g.Go(func() error {
		lg.Info("service up",
			logger.String("addr", cfg.Server.Addr),
			logger.RaftID(cfg.Cluster.NodeID),
			logger.String("raft_addr", cfg.Cluster.RaftAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		return httpserver.Shutdown(srv, 15*time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("service: %v", err)
	}
}
