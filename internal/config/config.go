// Package config implements the three-layer configuration pattern the
// teacher uses throughout its daemon: a DefaultConfig baseline, an
// optional file overlay, and environment variable overrides applied last
// so deployment-specific secrets never need to live on disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OplogConfig configures the BoltStore ground truth and its optional
// secondary index / notifier.
type OplogConfig struct {
	BoltPath      string `yaml:"bolt_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RetentionKeep uint64 `yaml:"retention_keep"` // 0 means KeepForever
}

// ActiveSetConfig configures the LRU-bounded active worker set.
type ActiveSetConfig struct {
	MaxActive       int           `yaml:"max_active"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// InvocationConfig configures per-worker invocation backpressure.
type InvocationConfig struct {
	MaxInFlightPerWorker int `yaml:"max_in_flight_per_worker"`
}

// RuntimeConfig configures the golem-agent subprocess manager.
type RuntimeConfig struct {
	AgentBinary string `yaml:"agent_binary"`
	BaseDir     string `yaml:"base_dir"`
	BasePort    int    `yaml:"base_port"`
}

// ComponentStoreConfig selects and configures the blob-storage backend.
type ComponentStoreConfig struct {
	Backend      string `yaml:"backend"` // "filesystem" or "s3"
	FilesystemDir string `yaml:"filesystem_dir"`
	S3Bucket     string `yaml:"s3_bucket"`
	S3Prefix     string `yaml:"s3_prefix"`
	S3Region     string `yaml:"s3_region"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	S3PathStyle  bool   `yaml:"s3_path_style"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Config is the top-level configuration for the golem worker executor.
type Config struct {
	Oplog          OplogConfig          `yaml:"oplog"`
	ActiveSet      ActiveSetConfig      `yaml:"active_set"`
	Invocation     InvocationConfig     `yaml:"invocation"`
	Runtime        RuntimeConfig        `yaml:"runtime"`
	ComponentStore ComponentStoreConfig `yaml:"component_store"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// DefaultConfig returns the baseline configuration: a local bbolt file, no
// Postgres index or Redis notifier, a modest active-worker cap, no
// per-worker in-flight limit, filesystem component storage, and
// text-format info logging with tracing off and Prometheus metrics on.
func DefaultConfig() *Config {
	return &Config{
		Oplog: OplogConfig{
			BoltPath: "./golem-data/oplog.db",
		},
		ActiveSet: ActiveSetConfig{
			MaxActive:       64,
			IdleTTL:         60 * time.Second,
			CleanupInterval: 10 * time.Second,
		},
		Invocation: InvocationConfig{
			MaxInFlightPerWorker: 0,
		},
		Runtime: RuntimeConfig{
			AgentBinary: "golem-agent",
			BaseDir:     "./golem-data/workers",
			BasePort:    9000,
		},
		ComponentStore: ComponentStoreConfig{
			Backend:       "filesystem",
			FilesystemDir: "./golem-data/components",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "golem-worker-executor",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "golem",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a YAML config file, expanding ${VAR} references
// against the process environment before decoding, and rejects unknown
// keys so a typo in a deployment manifest fails loudly instead of being
// silently ignored.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies GOLEM_* environment variable overrides on top of cfg,
// mutating it in place. It is always the last layer applied, so an
// operator can override a single file-backed setting without editing the
// file (e.g. injecting a Postgres DSN from a secret at deploy time).
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GOLEM_BOLT_PATH"); v != "" {
		cfg.Oplog.BoltPath = v
	}
	if v := os.Getenv("GOLEM_POSTGRES_DSN"); v != "" {
		cfg.Oplog.PostgresDSN = v
	}
	if v := os.Getenv("GOLEM_REDIS_ADDR"); v != "" {
		cfg.Oplog.RedisAddr = v
	}
	if v := os.Getenv("GOLEM_RETENTION_KEEP"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Oplog.RetentionKeep = n
		}
	}
	if v := os.Getenv("GOLEM_ACTIVE_SET_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActiveSet.MaxActive = n
		}
	}
	if v := os.Getenv("GOLEM_MAX_IN_FLIGHT_PER_WORKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Invocation.MaxInFlightPerWorker = n
		}
	}
	if v := os.Getenv("GOLEM_AGENT_BINARY"); v != "" {
		cfg.Runtime.AgentBinary = v
	}
	if v := os.Getenv("GOLEM_RUNTIME_BASE_DIR"); v != "" {
		cfg.Runtime.BaseDir = v
	}
	if v := os.Getenv("GOLEM_RUNTIME_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.BasePort = n
		}
	}
	if v := os.Getenv("GOLEM_COMPONENT_STORE_BACKEND"); v != "" {
		cfg.ComponentStore.Backend = v
	}
	if v := os.Getenv("GOLEM_S3_BUCKET"); v != "" {
		cfg.ComponentStore.S3Bucket = v
	}
	if v := os.Getenv("GOLEM_S3_ENDPOINT"); v != "" {
		cfg.ComponentStore.S3Endpoint = v
	}
	if v := os.Getenv("GOLEM_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOLEM_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("GOLEM_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOLEM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GOLEM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
