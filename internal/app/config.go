package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role selects whether the node accepts writes or follows a primary.
type Role string

// Supported node roles.
const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID   string `yaml:"node_id"`
	Role     Role   `yaml:"role"`
	LogLevel string `yaml:"log_level"`

	RESPAddr            string `yaml:"resp_addr"`
	ReplicationGRPCAddr string `yaml:"replication_grpc_addr"`
	// PrimaryAddr is the primary's replication gRPC address. Replica only.
	PrimaryAddr string `yaml:"primary_addr"`

	BacklogSize int `yaml:"backlog_size"`
	MaxClients  int `yaml:"max_clients"`

	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`

	TracingEnabled     bool   `yaml:"tracing_enabled"`
	TracingEndpoint    string `yaml:"tracing_endpoint"`
	TracingServiceName string `yaml:"tracing_service_name"`
	// TracingSampleRatio applies to root spans only; remote parents decide
	// for the spans that continue them.
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`

	// NATSURL enables publishing every backlog entry to NATS.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:              "node-1",
		Role:                RolePrimary,
		LogLevel:            "info",
		RESPAddr:            ":6380",
		ReplicationGRPCAddr: ":9090",
		BacklogSize:         10000,
		MaxClients:          1000,
		TracingEndpoint:     "localhost:4317",
		TracingServiceName:  "secure-storage",
		TracingSampleRatio:  1,
		NATSSubject:         "securestorage.replication",
	}
}

// LoadConfigFromEnv loads config from an optional YAML file and environment
// variables. Environment variables override the file.
//
// Supported vars:
// - APP_CONFIG_FILE (path to a YAML file, loaded first)
// - APP_NODE_ID
// - APP_ROLE (primary|replica)
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_RESP_ADDR
// - APP_REPLICATION_GRPC_ADDR
// - APP_PRIMARY_ADDR (required for replicas)
// - APP_BACKLOG_SIZE (entries kept for partial resync)
// - APP_MAX_CLIENTS
// - APP_METRICS_ADDR (empty = disabled)
// - APP_PPROF_ADDR (empty = disabled)
// - APP_TRACING_ENABLED (bool)
// - APP_TRACING_ENDPOINT
// - APP_TRACING_SERVICE_NAME
// - APP_TRACING_SAMPLE_RATIO (0..1)
// - APP_NATS_URL (empty = disabled)
// - APP_NATS_SUBJECT
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("app: open config file: %w", err)
		}
		err = decodeYAML(f, &cfg)
		_ = f.Close()
		if err != nil {
			return Config{}, fmt.Errorf("app: config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML overlays the document in r onto cfg. Unknown keys are rejected.
func decodeYAML(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}

	str("APP_NODE_ID", &cfg.NodeID)
	if v := strings.TrimSpace(getenv("APP_ROLE")); v != "" {
		cfg.Role = Role(strings.ToLower(v))
	}
	if v := strings.TrimSpace(getenv("APP_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	str("APP_RESP_ADDR", &cfg.RESPAddr)
	str("APP_REPLICATION_GRPC_ADDR", &cfg.ReplicationGRPCAddr)
	str("APP_PRIMARY_ADDR", &cfg.PrimaryAddr)
	str("APP_METRICS_ADDR", &cfg.MetricsAddr)
	str("APP_PPROF_ADDR", &cfg.PprofAddr)
	str("APP_TRACING_ENDPOINT", &cfg.TracingEndpoint)
	str("APP_TRACING_SERVICE_NAME", &cfg.TracingServiceName)
	str("APP_NATS_URL", &cfg.NATSURL)
	str("APP_NATS_SUBJECT", &cfg.NATSSubject)

	if v := strings.TrimSpace(getenv("APP_BACKLOG_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("app: invalid APP_BACKLOG_SIZE %q: %w", v, err)
		}
		cfg.BacklogSize = n
	}
	if v := strings.TrimSpace(getenv("APP_MAX_CLIENTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("app: invalid APP_MAX_CLIENTS %q: %w", v, err)
		}
		cfg.MaxClients = n
	}
	if v := strings.TrimSpace(getenv("APP_TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("app: invalid APP_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = b
	}
	if v := strings.TrimSpace(getenv("APP_TRACING_SAMPLE_RATIO")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("app: invalid APP_TRACING_SAMPLE_RATIO %q: %w", v, err)
		}
		cfg.TracingSampleRatio = f
	}
	return nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch c.Role {
	case RolePrimary:
	case RoleReplica:
		if strings.TrimSpace(c.PrimaryAddr) == "" {
			return fmt.Errorf("app: primary addr is required for role %q", c.Role)
		}
	default:
		return fmt.Errorf("app: unsupported role %q", c.Role)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.RESPAddr) == "" {
		return fmt.Errorf("app: resp addr is required")
	}
	if strings.TrimSpace(c.ReplicationGRPCAddr) == "" {
		return fmt.Errorf("app: replication grpc addr is required")
	}
	if c.BacklogSize <= 0 {
		return fmt.Errorf("app: backlog size must be positive, got %d", c.BacklogSize)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("app: max clients must be positive, got %d", c.MaxClients)
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("app: tracing sample ratio must be within [0, 1], got %g", c.TracingSampleRatio)
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("app: nats subject is required when nats is enabled")
	}
	return nil
}
