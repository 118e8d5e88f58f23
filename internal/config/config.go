// Package config holds all configuration types and loading logic for EpochFlow.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EpochFlow node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
	Exporters ExportersConfig `yaml:"exporters"`
}

// NodeConfig holds identity and network settings for this node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig controls partitioning. All partitions run in this process.
type ClusterConfig struct {
	PartitionCount int `yaml:"partition_count"`
}

// FsyncPolicy controls when the partition logs are flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // safest, slowest
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs (default)
	FsyncBatch    FsyncPolicy = "batch"    // flush every FsyncBatchSize writes
	FsyncNever    FsyncPolicy = "never"    // fastest, unsafe (dev/test only)
)

// StorageConfig controls how logs and state are persisted.
type StorageConfig struct {
	Fsync           FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize  int         `yaml:"fsync_batch_size"`
	// StateNoSync skips fsync on state commits. The log alone is enough to
	// rebuild state.
	StateNoSync bool `yaml:"state_no_sync"`
}

// EngineConfig tunes the processing timers and limits.
type EngineConfig struct {
	JobTimeoutCheckInterval   time.Duration `yaml:"job_timeout_check_interval"`
	MessageTTLCheckInterval   time.Duration `yaml:"message_ttl_check_interval"`
	SubscriptionCheckInterval time.Duration `yaml:"subscription_check_interval"`
	SubscriptionTimeout       time.Duration `yaml:"subscription_timeout"`
	MaxCommandsInBatch        int           `yaml:"max_commands_in_batch"`
	DefaultJobRetries         int32         `yaml:"default_job_retries"`
	// MaxJobBatchBytes caps the variables carried by one activation batch.
	MaxJobBatchBytes int `yaml:"max_job_batch_bytes"`
	// RequestTimeout bounds how long the gateway waits for a response.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HTTPConfig controls the command gateway.
type HTTPConfig struct {
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// MaxBodyKB caps request bodies.
	MaxBodyKB int `yaml:"max_body_kb"`
}

// ExportersConfig lists the exporters to run.
type ExportersConfig struct {
	SQLite  SQLiteExporterConfig  `yaml:"sqlite"`
	Webhook WebhookExporterConfig `yaml:"webhook"`
}

// SQLiteExporterConfig configures the reference read model.
type SQLiteExporterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <data_dir>/exporter.sqlite.
	Path string `yaml:"path"`
}

// WebhookExporterConfig configures record delivery to an HTTP endpoint.
type WebhookExporterConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Cluster: ClusterConfig{
			PartitionCount: 3,
		},
		Storage: StorageConfig{
			Fsync:           FsyncInterval,
			FsyncIntervalMs: 200,
			FsyncBatchSize:  64,
		},
		Engine: EngineConfig{
			JobTimeoutCheckInterval:   time.Second,
			MessageTTLCheckInterval:   time.Minute,
			SubscriptionCheckInterval: time.Second,
			SubscriptionTimeout:       time.Second,
			MaxCommandsInBatch:        100,
			DefaultJobRetries:         3,
			MaxJobBatchBytes:          4 << 20,
			RequestTimeout:            15 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		HTTP: HTTPConfig{
			RateLimit: 1_000,
			Burst:     2_000,
			MaxBodyKB: 1_024,
		},
		Exporters: ExportersConfig{
			SQLite:  SQLiteExporterConfig{Enabled: false},
			Webhook: WebhookExporterConfig{Enabled: false, Timeout: 10 * time.Second},
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run EpochFlow with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHFLOW_AUTH_API_KEY  sets auth.api_key and enables auth (auth.enabled = true)
//	EPOCHFLOW_DATA_DIR      sets node.data_dir
//	EPOCHFLOW_PORT          sets node.port
//	EPOCHFLOW_PARTITIONS    sets cluster.partition_count
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHFLOW_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHFLOW_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EPOCHFLOW_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHFLOW_PARTITIONS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Cluster.PartitionCount = n
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Cluster.PartitionCount < 1 {
		return errors.New("cluster.partition_count must be at least 1")
	}
	if c.Cluster.PartitionCount > 1<<12 {
		return errors.New("cluster.partition_count must not exceed 4096")
	}
	if c.Engine.JobTimeoutCheckInterval <= 0 {
		return errors.New("engine.job_timeout_check_interval must be positive")
	}
	if c.Engine.MessageTTLCheckInterval <= 0 {
		return errors.New("engine.message_ttl_check_interval must be positive")
	}
	if c.Engine.SubscriptionCheckInterval <= 0 {
		return errors.New("engine.subscription_check_interval must be positive")
	}
	if c.Engine.SubscriptionTimeout <= 0 {
		return errors.New("engine.subscription_timeout must be positive")
	}
	if c.Engine.MaxCommandsInBatch < 1 {
		return errors.New("engine.max_commands_in_batch must be at least 1")
	}
	if c.Engine.DefaultJobRetries < 1 {
		return errors.New("engine.default_job_retries must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must be >= 0")
	}
	if c.Exporters.Webhook.Enabled && c.Exporters.Webhook.URL == "" {
		return errors.New("exporters.webhook.url must be set when the webhook exporter is enabled")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
		// valid
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	return nil
}
