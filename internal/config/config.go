package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/replication/internal/model"
)

// DefaultPath is read when CONFIG_PATH is not set
const DefaultPath = "./config.yaml"

// ServerConfig identifies the replica and the naming context it replicates
type ServerConfig struct {
	ReplicaID       uint32        `yaml:"replica_id"`
	BaseDN          string        `yaml:"base_dn"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReplayConfig holds replay worker configuration
type ReplayConfig struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	MaxAttempts         int           `yaml:"max_attempts"`
	MaxTransientRetries int           `yaml:"max_transient_retries"`
	UnavailableBackoff  time.Duration `yaml:"unavailable_backoff"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	AppliedTTL          time.Duration `yaml:"applied_ttl"`
}

// HistoricalConfig holds historical state configuration
type HistoricalConfig struct {
	PurgeDelay time.Duration `yaml:"purge_delay"`
}

// StateConfig holds server state persistence configuration
type StateConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TransportConfig holds replication transport configuration
type TransportConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Peers          []string      `yaml:"peers"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// AlertsConfig holds conflict alert throttling
type AlertsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// SchemaConfig holds the schema facts conflict resolution needs
type SchemaConfig struct {
	SingleValued []string            `yaml:"single_valued"`
	Mandatory    map[string][]string `yaml:"mandatory"`
}

// FractionalConfig lists attributes this replica does not replicate
type FractionalConfig struct {
	Exclude []string `yaml:"exclude"`
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

// Config represents the complete configuration of a replica
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Replay     ReplayConfig     `yaml:"replay"`
	Historical HistoricalConfig `yaml:"historical"`
	State      StateConfig      `yaml:"state"`
	Transport  TransportConfig  `yaml:"transport"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Schema     SchemaConfig     `yaml:"schema"`
	Fractional FractionalConfig `yaml:"fractional"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PathFromEnv returns CONFIG_PATH or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
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
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "/var/lib/pairdb/replication"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Replay.Workers == 0 {
		cfg.Replay.Workers = 4
	}
	if cfg.Replay.QueueSize == 0 {
		cfg.Replay.QueueSize = 1000
	}
	if cfg.Replay.MaxAttempts == 0 {
		cfg.Replay.MaxAttempts = 10
	}
	if cfg.Replay.MaxTransientRetries == 0 {
		cfg.Replay.MaxTransientRetries = 100
	}
	if cfg.Replay.UnavailableBackoff == 0 {
		cfg.Replay.UnavailableBackoff = 100 * time.Millisecond
	}
	if cfg.Replay.PollInterval == 0 {
		cfg.Replay.PollInterval = 500 * time.Millisecond
	}
	if cfg.Replay.AppliedTTL == 0 {
		cfg.Replay.AppliedTTL = 10 * time.Minute
	}

	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = time.Second
	}

	if cfg.Transport.ListenAddr == "" {
		cfg.Transport.ListenAddr = "0.0.0.0:8989"
	}
	if cfg.Transport.SendQueueSize == 0 {
		cfg.Transport.SendQueueSize = 1024
	}
	if cfg.Transport.PublishTimeout == 0 {
		cfg.Transport.PublishTimeout = 5 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Alerts.Burst == 0 {
		cfg.Alerts.Burst = 10
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ReplicaID == 0 {
		return fmt.Errorf("server.replica_id is required")
	}
	if c.Server.BaseDN == "" {
		return fmt.Errorf("server.base_dn is required")
	}
	if _, err := model.ParseDN(c.Server.BaseDN); err != nil {
		return fmt.Errorf("server.base_dn: %w", err)
	}
	if c.Replay.Workers < 1 {
		return fmt.Errorf("replay.workers must be positive")
	}
	if c.Replay.MaxAttempts < 1 {
		return fmt.Errorf("replay.max_attempts must be positive")
	}
	if c.Historical.PurgeDelay < 0 {
		return fmt.Errorf("historical.purge_delay must not be negative")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	return nil
}

// BaseDN returns the parsed base DN. Validate guarantees it parses.
func (c *Config) BaseDN() model.DN {
	return model.MustParseDN(c.Server.BaseDN)
}

// BuildSchema returns the schema described by the schema section.
func (c *Config) BuildSchema() *model.Schema {
	return model.NewSchema(c.Schema.SingleValued, c.Schema.Mandatory)
}
