package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/featgate/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
cluster:
  mode: embedded
  node_id: "a"
  raft_addr: "127.0.0.1:7001"
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Features.Workers != 4 {
		t.Fatalf("features.workers = %d", cfg.Features.Workers)
	}
	if cfg.FeaturesProposeTimeout() != 10*time.Second {
		t.Fatalf("propose_timeout = %s", cfg.FeaturesProposeTimeout())
	}
	if cfg.FeaturesRescanInterval() != 30*time.Second {
		t.Fatalf("rescan_interval = %s", cfg.FeaturesRescanInterval())
	}
	if cfg.LeaseTTL() != 30*time.Second {
		t.Fatalf("lease.ttl = %s", cfg.LeaseTTL())
	}
	if cfg.Announce.Channel != "featgate:decisions" {
		t.Fatalf("announce.channel = %q", cfg.Announce.Channel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("FEATURES_MANDATORY", "tx, gc")
	t.Setenv("FEATURES_WORKERS", "8")
	t.Setenv("LEASE_ENABLED", "true")
	t.Setenv("CLUSTER_NODE_ID", "b")

	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("server.addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Features.Mandatory) != 2 || cfg.Features.Mandatory[0] != "tx" || cfg.Features.Mandatory[1] != "gc" {
		t.Fatalf("mandatory = %v", cfg.Features.Mandatory)
	}
	if cfg.Features.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Features.Workers)
	}
	if !cfg.Lease.Enabled {
		t.Fatal("lease.enabled not overridden")
	}
	if cfg.Cluster.NodeID != "b" {
		t.Fatalf("node_id = %q", cfg.Cluster.NodeID)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad mode", "cluster:\n  mode: weird\n"},
		{"embedded missing node_id", "cluster:\n  mode: embedded\n  raft_addr: \"127.0.0.1:7001\"\n"},
		{"embedded missing raft_addr", "cluster:\n  mode: embedded\n  node_id: \"a\"\n"},
		{"audit without dsn", minimal + "audit:\n  enabled: true\n"},
		{"announce without addr", minimal + "announce:\n  enabled: true\n"},
		{"bad duration", minimal + "features:\n  propose_timeout: nope\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("Load(%s) succeeded, want error", tc.name)
			}
		})
	}
}

func TestLoad_RelativeRaftDirResolvedAgainstConfig(t *testing.T) {
	path := writeConfig(t, minimal+"  raft_dir: \"./data/raft\"\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(filepath.Dir(path), "data", "raft")
	if cfg.Cluster.RaftDir != want {
		t.Fatalf("raft_dir = %q, want %q", cfg.Cluster.RaftDir, want)
	}
}
