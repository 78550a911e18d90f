package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterd/cfgsync/internal/transport"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfgsync.yaml")
	data := `
server:
  http_addr: ":9000"
storage:
  config_dir: /tmp/pcs
cluster:
  node_id: node1
  nodes:
    - id: node1
      addr: 10.0.0.1:9000
    - id: node2
      addr: 10.0.0.2:9000
sync:
  fetch_timeout: 5s
  retries: 4
  watch: false
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/pcs", cfg.Storage.ConfigDir)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Storage.ControlFile, cfg.Storage.ControlFile)
	assert.Equal(t, "node1", cfg.Cluster.NodeID)
	assert.Equal(t, []transport.Node{
		{ID: "node1", Addr: "10.0.0.1:9000"},
		{ID: "node2", Addr: "10.0.0.2:9000"},
	}, cfg.Cluster.Nodes)
	assert.Equal(t, 5*time.Second, cfg.Sync.FetchTimeout)
	assert.Equal(t, 4, cfg.Sync.Retries)
	assert.False(t, cfg.Sync.Watch)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)

	assert.Equal(t, Default(), LoadOrDefault(path))
	assert.Equal(t, Default(), LoadOrDefault(""))
}

func TestRequestTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		retries int
		want    time.Duration
	}{
		{"defaults", 30 * time.Second, 2, 10 * time.Second},
		{"no retries", 30 * time.Second, 0, 30 * time.Second},
		{"negative retries", 6 * time.Second, -1, 6 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SyncConfig{FetchTimeout: tt.timeout, Retries: tt.retries}
			assert.Equal(t, tt.want, cfg.RequestTimeout())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing node id", func(c *Config) { c.Cluster.NodeID = "" }, "node_id is required"},
		{"duplicate node", func(c *Config) {
			c.Cluster.Nodes = append(c.Cluster.Nodes, transport.Node{ID: "node2", Addr: "x:1"})
		}, "duplicate id"},
		{"unnamed node", func(c *Config) {
			c.Cluster.Nodes = append(c.Cluster.Nodes, transport.Node{Addr: "x:1"})
		}, "id is required"},
		{"peer without addr", func(c *Config) { c.Cluster.Nodes[1].Addr = "" }, "addr is required"},
		{"negative retries", func(c *Config) { c.Sync.Retries = -1 }, "retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Cluster.NodeID = "node1"
			cfg.Cluster.Nodes = []transport.Node{{ID: "node1"}, {ID: "node2", Addr: "10.0.0.2:2224"}}
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
