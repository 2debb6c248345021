package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

// NodeConfig holds node identity configuration
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig holds event store configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds sync engine and scheduler configuration
type SyncConfig struct {
	Interval           time.Duration `yaml:"interval"`
	MaxRetries         int           `yaml:"max_retries"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
}

// TransportConfig holds the HTTP sync server and client configuration
type TransportConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles inbound HTTP requests
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// GossipConfig holds gossip membership configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the sync node
type Config struct {
	Node      NodeConfig             `yaml:"node"`
	Storage   StorageConfig          `yaml:"storage"`
	Sync      SyncConfig             `yaml:"sync"`
	Transport TransportConfig        `yaml:"transport"`
	Gossip    GossipConfig           `yaml:"gossip"`
	Remotes   []transport.RemoteNode `yaml:"remotes"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "/var/lib/crdtsync"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = cfg.Node.DataDir + "/events.db"
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 30 * time.Second
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Sync.ClockSkewTolerance == 0 {
		cfg.Sync.ClockSkewTolerance = 5 * time.Minute
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 64
	}

	if cfg.Transport.Host == "" {
		cfg.Transport.Host = "0.0.0.0"
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = 8460
	}
	if cfg.Transport.RequestTimeout == 0 {
		cfg.Transport.RequestTimeout = 30 * time.Second
	}
	if cfg.Transport.ShutdownTimeout == 0 {
		cfg.Transport.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Transport.RateLimit.RequestsPerSecond == 0 {
		cfg.Transport.RateLimit.RequestsPerSecond = 100
	}
	if cfg.Transport.RateLimit.BurstSize == 0 {
		cfg.Transport.RateLimit.BurstSize = 200
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9460
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port must be between 1 and 65535")
	}
	for _, remote := range c.Remotes {
		if remote.NodeID == "" {
			return fmt.Errorf("remotes: node_id is required")
		}
		if remote.Address == "" {
			return fmt.Errorf("remotes: address is required for node %s", remote.NodeID)
		}
	}
	if c.Gossip.Enabled && c.Gossip.BindPort == 0 {
		return fmt.Errorf("gossip.bind_port is required when gossip is enabled")
	}
	return nil
}
