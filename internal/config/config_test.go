package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  data_dir: /tmp/bizsync-test
server:
  port: 8847
gossip:
  enabled: true
  bind_port: 8848
  seed_nodes:
    - 10.0.0.2:8848
sync:
  interval: 5s
  batch_size: 100
logging:
  level: debug
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 8847, cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.2:8848"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7847, cfg.Server.Port)
	assert.Equal(t, 7848, cfg.Gossip.BindPort)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 500, cfg.Sync.BatchSize)
	assert.Equal(t, time.Second, cfg.Sync.BackoffMin)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8847
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node.id")
}

func TestLoadConfigInvalidBackoff(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
sync:
  backoff_min: 10m
  backoff_max: 1s
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "node: [not: a: mapping")
	_, err := LoadConfig(path)
	require.Error(t, err)
}
