package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 8080, cfg.Node.Port)
	assert.Equal(t, "0.0.0.0", cfg.Node.Host)
	assert.Equal(t, "./data", cfg.Node.DataDir)
	assert.Equal(t, 3, cfg.Cluster.PartitionCount)
	assert.Equal(t, config.FsyncInterval, cfg.Storage.Fsync)
	assert.Equal(t, time.Second, cfg.Engine.JobTimeoutCheckInterval)
	assert.Equal(t, time.Minute, cfg.Engine.MessageTTLCheckInterval)
	assert.Equal(t, time.Second, cfg.Engine.SubscriptionCheckInterval)
	assert.Equal(t, time.Second, cfg.Engine.SubscriptionTimeout)
	assert.Equal(t, 100, cfg.Engine.MaxCommandsInBatch)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.Exporters.SQLite.Enabled)
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Node.Port)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  host: "127.0.0.1"
  data_dir: "/tmp/epochflow_test"
cluster:
  partition_count: 5
engine:
  subscription_timeout: 5s
  max_commands_in_batch: 10
storage:
  fsync: "always"
exporters:
  sqlite:
    enabled: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Node.Port)
	assert.Equal(t, "127.0.0.1", cfg.Node.Host)
	assert.Equal(t, 5, cfg.Cluster.PartitionCount)
	assert.Equal(t, 5*time.Second, cfg.Engine.SubscriptionTimeout)
	assert.Equal(t, 10, cfg.Engine.MaxCommandsInBatch)
	assert.Equal(t, config.FsyncAlways, cfg.Storage.Fsync)
	assert.True(t, cfg.Exporters.SQLite.Enabled)

	// Unset fields keep their defaults.
	assert.Equal(t, time.Minute, cfg.Engine.MessageTTLCheckInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EPOCHFLOW_AUTH_API_KEY", "secret")
	t.Setenv("EPOCHFLOW_DATA_DIR", "/var/lib/epochflow")
	t.Setenv("EPOCHFLOW_PORT", "7070")
	t.Setenv("EPOCHFLOW_PARTITIONS", "8")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, "/var/lib/epochflow", cfg.Node.DataDir)
	assert.Equal(t, 7070, cfg.Node.Port)
	assert.Equal(t, 8, cfg.Cluster.PartitionCount)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Node.Port = 0 }},
		{"port too large", func(c *config.Config) { c.Node.Port = 99999 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"no partitions", func(c *config.Config) { c.Cluster.PartitionCount = 0 }},
		{"zero subscription timeout", func(c *config.Config) { c.Engine.SubscriptionTimeout = 0 }},
		{"zero batch", func(c *config.Config) { c.Engine.MaxCommandsInBatch = 0 }},
		{"zero retries", func(c *config.Config) { c.Engine.DefaultJobRetries = 0 }},
		{"negative rate", func(c *config.Config) { c.HTTP.RateLimit = -1 }},
		{"unknown fsync", func(c *config.Config) { c.Storage.Fsync = "magic" }},
		{"webhook without url", func(c *config.Config) { c.Exporters.Webhook.Enabled = true }},
	}

	require.NoError(t, config.Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
