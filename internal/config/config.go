package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	// Cluster: el log replicado (raft embebido).
	Cluster struct {
		// off | embedded
		Mode             string            `yaml:"mode" json:"mode"`
		NodeID           string            `yaml:"node_id" json:"nodeId"`
		RaftAddr         string            `yaml:"raft_addr" json:"raftAddr"`
		RaftDir          string            `yaml:"raft_dir" json:"raftDir"`
		Nodes            map[string]string `yaml:"nodes" json:"nodes"`                      // nodeID -> host:port (raft)
		LeaderRedirects  map[string]string `yaml:"leader_redirects" json:"leaderRedirects"` // nodeID -> baseURL
		DisableBootstrap bool              `yaml:"disable_bootstrap" json:"disableBootstrap"`

		// TLS for Raft transport (optional, mTLS when enabled)
		RaftTLSEnable     bool   `yaml:"raft_tls_enable" json:"raftTlsEnable"`
		RaftTLSCertFile   string `yaml:"raft_tls_cert_file" json:"raftTlsCertFile"`
		RaftTLSKeyFile    string `yaml:"raft_tls_key_file" json:"raftTlsKeyFile"`
		RaftTLSCAFile     string `yaml:"raft_tls_ca_file" json:"raftTlsCaFile"`
		RaftTLSServerName string `yaml:"raft_tls_server_name" json:"raftTlsServerName"`
	} `yaml:"cluster" json:"cluster"`

	// Features: política de negociación.
	Features struct {
		// Mandatory: features cuya declaración es obligatoria para todo nodo.
		Mandatory []string `yaml:"mandatory"`
		// Workers acota propuestas concurrentes entre features distintas.
		Workers int `yaml:"workers"`
		// ProposeTimeout / RescanInterval como strings de duración ("10s").
		ProposeTimeout string `yaml:"propose_timeout"`
		RescanInterval string `yaml:"rescan_interval"`
	} `yaml:"features"`

	// Lease: liveness por TTL con deregistración automática.
	Lease struct {
		Enabled bool   `yaml:"enabled"`
		TTL     string `yaml:"ttl"`
	} `yaml:"lease"`

	// Audit: trail durable en Postgres (opcional).
	Audit struct {
		Enabled bool   `yaml:"enabled"`
		DSN     string `yaml:"dsn"`
	} `yaml:"audit"`

	// Announce: publicación de decisiones en Redis (opcional).
	Announce struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		DB      int    `yaml:"db"`
		Channel string `yaml:"channel"`
	} `yaml:"announce"`

	// Admin: protección del write-path HTTP.
	Admin struct {
		// APIKeyHash es el PHC string (argon2id) de la key; nunca la key en claro.
		APIKeyHash string `yaml:"api_key_hash"`
	} `yaml:"admin"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Cluster.Mode) == "" {
		c.Cluster.Mode = "embedded"
	}
	if c.Cluster.Nodes == nil {
		c.Cluster.Nodes = map[string]string{}
	}
	if c.Cluster.LeaderRedirects == nil {
		c.Cluster.LeaderRedirects = map[string]string{}
	}
	if c.Cluster.RaftDir == "" {
		c.Cluster.RaftDir = "./data/featgate/raft" // default for development
	}
	if c.Features.Workers == 0 {
		c.Features.Workers = 4
	}
	if c.Features.ProposeTimeout == "" {
		c.Features.ProposeTimeout = "10s"
	}
	if c.Features.RescanInterval == "" {
		c.Features.RescanInterval = "30s"
	}
	if c.Lease.TTL == "" {
		c.Lease.TTL = "30s"
	}
	if c.Announce.Channel == "" {
		c.Announce.Channel = "featgate:decisions"
	}

	// Overrides por env
	c.applyEnvOverrides()

	// validate string durations
	for _, d := range []string{c.Features.ProposeTimeout, c.Features.RescanInterval, c.Lease.TTL} {
		if d != "" {
			if _, err := time.ParseDuration(d); err != nil {
				return nil, err
			}
		}
	}

	// Validation
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Normalizar raft_dir (si relativo) respecto al directorio del YAML
	if p := strings.TrimSpace(c.Cluster.RaftDir); p != "" && !filepath.IsAbs(p) {
		base := filepath.Dir(path)
		c.Cluster.RaftDir = filepath.Clean(filepath.Join(base, p))
	}

	return &c, nil
}

// Validate chequea coherencia mínima del bloque cluster.
func (c *Config) Validate() error {
	switch c.Cluster.Mode {
	case "off", "embedded":
	default:
		return fmt.Errorf("cluster.mode inválido: %q", c.Cluster.Mode)
	}
	if c.Cluster.Mode == "embedded" {
		if strings.TrimSpace(c.Cluster.NodeID) == "" {
			return fmt.Errorf("cluster.node_id requerido en modo embedded")
		}
		if strings.TrimSpace(c.Cluster.RaftAddr) == "" {
			return fmt.Errorf("cluster.raft_addr requerido en modo embedded")
		}
	}
	if c.Cluster.RaftTLSEnable {
		if c.Cluster.RaftTLSCertFile == "" || c.Cluster.RaftTLSKeyFile == "" || c.Cluster.RaftTLSCAFile == "" {
			return fmt.Errorf("raft TLS habilitado pero faltan cert/key/ca")
		}
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.DSN) == "" {
		return fmt.Errorf("audit.enabled requiere audit.dsn")
	}
	if c.Announce.Enabled && strings.TrimSpace(c.Announce.Addr) == "" {
		return fmt.Errorf("announce.enabled requiere announce.addr")
	}
	return nil
}

// FeaturesProposeTimeout retorna el timeout parseado.
func (c *Config) FeaturesProposeTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Features.ProposeTimeout)
	return d
}

// FeaturesRescanInterval retorna el intervalo parseado.
func (c *Config) FeaturesRescanInterval() time.Duration {
	d, _ := time.ParseDuration(c.Features.RescanInterval)
	return d
}

// LeaseTTL retorna el TTL parseado.
func (c *Config) LeaseTTL() time.Duration {
	d, _ := time.ParseDuration(c.Lease.TTL)
	return d
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvCSV("SERVER_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}

	// CLUSTER
	if v, ok := getEnvStr("CLUSTER_MODE"); ok {
		c.Cluster.Mode = v
	}
	if v, ok := getEnvStr("CLUSTER_NODE_ID"); ok {
		c.Cluster.NodeID = v
	}
	if v, ok := getEnvStr("CLUSTER_RAFT_ADDR"); ok {
		c.Cluster.RaftAddr = v
	}
	if v, ok := getEnvStr("CLUSTER_RAFT_DIR"); ok {
		c.Cluster.RaftDir = v
	}
	if v, ok := getEnvBool("CLUSTER_DISABLE_BOOTSTRAP"); ok {
		c.Cluster.DisableBootstrap = v
	}

	// FEATURES
	if v, ok := getEnvCSV("FEATURES_MANDATORY"); ok {
		c.Features.Mandatory = v
	}
	if v, ok := getEnvInt("FEATURES_WORKERS"); ok {
		c.Features.Workers = v
	}
	if v, ok := getEnvStr("FEATURES_PROPOSE_TIMEOUT"); ok {
		c.Features.ProposeTimeout = v
	}

	// LEASE
	if v, ok := getEnvBool("LEASE_ENABLED"); ok {
		c.Lease.Enabled = v
	}
	if v, ok := getEnvStr("LEASE_TTL"); ok {
		c.Lease.TTL = v
	}

	// AUDIT
	if v, ok := getEnvBool("AUDIT_ENABLED"); ok {
		c.Audit.Enabled = v
	}
	if v, ok := getEnvStr("AUDIT_DSN"); ok {
		c.Audit.DSN = v
	}

	// ANNOUNCE
	if v, ok := getEnvBool("ANNOUNCE_ENABLED"); ok {
		c.Announce.Enabled = v
	}
	if v, ok := getEnvStr("ANNOUNCE_REDIS_ADDR"); ok {
		c.Announce.Addr = v
	}
	if v, ok := getEnvInt("ANNOUNCE_REDIS_DB"); ok {
		c.Announce.DB = v
	}
	if v, ok := getEnvStr("ANNOUNCE_CHANNEL"); ok {
		c.Announce.Channel = v
	}

	// ADMIN
	if v, ok := getEnvStr("ADMIN_API_KEY_HASH"); ok {
		c.Admin.APIKeyHash = v
	}
}
