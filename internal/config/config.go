package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clusterd/cfgsync/internal/transport"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cluster ClusterConfig `yaml:"cluster"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	ConfigDir   string `yaml:"config_dir"`
	BackupDir   string `yaml:"backup_dir"`
	ControlFile string `yaml:"control_file"`
}

// ClusterConfig holds cluster membership settings
type ClusterConfig struct {
	NodeID string           `yaml:"node_id"`
	Nodes  []transport.Node `yaml:"nodes"`
}

// SyncConfig holds peer exchange settings
type SyncConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Retries      int           `yaml:"retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	Watch        bool          `yaml:"watch"`
	PushRate     float64       `yaml:"push_rate"` // pushes per second per node, 0 disables the limit
	PushBurst    float64       `yaml:"push_burst"`
}

// RequestTimeout splits the fetch budget across every attempt of a peer
// request, so all retries of one node fit inside a single cycle's fetch.
func (s SyncConfig) RequestTimeout() time.Duration {
	retries := s.Retries
	if retries < 0 {
		retries = 0
	}
	return s.FetchTimeout / time.Duration(retries+1)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":2224",
		},
		Storage: StorageConfig{
			ConfigDir:   "/var/lib/cfgsync",
			BackupDir:   "/var/lib/cfgsync/backups",
			ControlFile: "/var/lib/cfgsync/sync_control.json",
		},
		Cluster: ClusterConfig{
			NodeID: "",
			Nodes:  []transport.Node{},
		},
		Sync: SyncConfig{
			FetchTimeout: 30 * time.Second,
			Retries:      2,
			BackoffBase:  200 * time.Millisecond,
			BackoffMax:   5 * time.Second,
			Watch:        true,
			PushRate:     5,
			PushBurst:    20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config: %v, using defaults\n", err)
		return Default()
	}

	return cfg
}

// Validate checks settings the daemon cannot run without
func (c *Config) Validate() error {
	var errs []error

	if c.Cluster.NodeID == "" {
		errs = append(errs, errors.New("cluster.node_id is required"))
	}
	if c.Storage.ConfigDir == "" {
		errs = append(errs, errors.New("storage.config_dir is required"))
	}
	if c.Storage.ControlFile == "" {
		errs = append(errs, errors.New("storage.control_file is required"))
	}

	seen := make(map[string]bool, len(c.Cluster.Nodes))
	for i, node := range c.Cluster.Nodes {
		switch {
		case node.ID == "":
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: id is required", i))
		case seen[node.ID]:
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: duplicate id %q", i, node.ID))
		}
		seen[node.ID] = true
		if node.Addr == "" && node.ID != c.Cluster.NodeID {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d]: addr is required", i))
		}
	}

	if c.Sync.Retries < 0 {
		errs = append(errs, errors.New("sync.retries must not be negative"))
	}
	if c.Sync.PushRate < 0 || c.Sync.PushBurst < 0 {
		errs = append(errs, errors.New("sync.push_rate and sync.push_burst must not be negative"))
	}

	return errors.Join(errs...)
}
