package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StorageConfiguration controls the SQLite record store
type StorageConfiguration struct {
	Path            string `toml:"path"`               // SQLite database path
	BusyTimeoutMS   int    `toml:"busy_timeout_ms"`    // SQLite busy timeout
	CompressMinSize int    `toml:"compress_min_bytes"` // Compress content at or above this size (0 = disabled)
}

// QueueConfiguration controls the durable event channel
type QueueConfiguration struct {
	PollIntervalMS  int     `toml:"poll_interval_ms"` // Dispatcher poll interval when idle
	BatchSize       int     `toml:"batch_size"`       // Events read per poll cycle
	FlushIntervalMS int     `toml:"flush_interval_ms"`
	MaxAttempts     int     `toml:"max_attempts"` // Delivery attempts before dead-letter
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// ReconcilerConfiguration controls the reconciliation worker pool
type ReconcilerConfiguration struct {
	Concurrency      int `toml:"concurrency"`        // Concurrent deliveries across entities
	PublishTimeoutMS int `toml:"publish_timeout_ms"` // Per-call timeout on the publisher
}

// PublisherConfiguration selects and configures the external publisher
type PublisherConfiguration struct {
	Kind              string   `toml:"kind"` // "simulated", "nats", "kafka"
	ScopePatterns     []string `toml:"scope_patterns"`
	NatsURL           string   `toml:"nats_url"`
	NatsSubject       string   `toml:"nats_subject"`
	KafkaBrokers      []string `toml:"kafka_brokers"`
	KafkaTopic        string   `toml:"kafka_topic"`
	SimulatedDelayMS  int      `toml:"simulated_delay_ms"`
	SimulatedFailRate float64  `toml:"simulated_fail_rate"`
}

// CacheConfiguration controls the read-through document cache
type CacheConfiguration struct {
	Size int `toml:"size"` // Entries (0 = disabled)
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose    bool   `toml:"verbose"`
	Format     string `toml:"format"` // "console" or "json"
	File       string `toml:"file"`   // Rotated log file ("" = stdout only)
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operator HTTP surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID            uint64 `toml:"node_id"`
	DataDir           string `toml:"data_dir"`
	ShutdownTimeoutMS int    `toml:"shutdown_timeout_ms"`

	Storage    StorageConfiguration    `toml:"storage"`
	Queue      QueueConfiguration      `toml:"queue"`
	Reconciler ReconcilerConfiguration `toml:"reconciler"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Cache      CacheConfiguration      `toml:"cache"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag     = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag      = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag   = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	ConcurrencyFlag = flag.Int("concurrency", 0, "Reconciler concurrency (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:            0, // Auto-generate
	DataDir:           "./quill-data",
	ShutdownTimeoutMS: 10000,

	Storage: StorageConfiguration{
		Path:            "", // Defaults to {data_dir}/quill.db
		BusyTimeoutMS:   5000,
		CompressMinSize: 4096,
	},

	Queue: QueueConfiguration{
		PollIntervalMS:  50,
		BatchSize:       100,
		FlushIntervalMS: 2,
		MaxAttempts:     5,
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
	},

	Reconciler: ReconcilerConfiguration{
		Concurrency:      4,
		PublishTimeoutMS: 15000,
	},

	Publisher: PublisherConfiguration{
		Kind:              "simulated",
		ScopePatterns:     []string{"*"},
		NatsSubject:       "quill.publish",
		KafkaTopic:        "quill-ledger",
		SimulatedDelayMS:  3000,
		SimulatedFailRate: 0,
	},

	Cache: CacheConfiguration{
		Size: 1024,
	},

	Logging: LoggingConfiguration{
		Verbose:    false,
		Format:     "console",
		MaxSizeMB:  100,
		MaxBackups: 3,
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    9480,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *ConcurrencyFlag != 0 {
		Config.Reconciler.Concurrency = *ConcurrencyFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if Config.Storage.Path == "" {
		Config.Storage.Path = filepath.Join(Config.DataDir, "quill.db")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("quill")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1")
	}

	if Config.Queue.BatchSize < 1 {
		return fmt.Errorf("queue batch size must be >= 1")
	}

	if Config.Queue.RetryMultiplier < 1 {
		return fmt.Errorf("queue retry multiplier must be >= 1")
	}

	if Config.Queue.RetryInitialMS < 1 || Config.Queue.RetryMaxMS < Config.Queue.RetryInitialMS {
		return fmt.Errorf("invalid queue retry window: initial=%dms max=%dms",
			Config.Queue.RetryInitialMS, Config.Queue.RetryMaxMS)
	}

	if Config.Reconciler.Concurrency < 1 {
		return fmt.Errorf("reconciler concurrency must be >= 1")
	}

	if Config.Reconciler.PublishTimeoutMS < 1 {
		return fmt.Errorf("reconciler publish timeout must be >= 1ms")
	}

	switch Config.Publisher.Kind {
	case "simulated", "mock":
	case "nats":
		if Config.Publisher.NatsURL == "" {
			return fmt.Errorf("nats publisher requires nats_url")
		}
	case "kafka":
		if len(Config.Publisher.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka publisher requires kafka_brokers")
		}
	default:
		return fmt.Errorf("unknown publisher kind: %s", Config.Publisher.Kind)
	}

	if Config.Publisher.SimulatedFailRate < 0 || Config.Publisher.SimulatedFailRate > 1 {
		return fmt.Errorf("simulated fail rate must be within [0, 1]")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Storage.CompressMinSize < 0 {
		return fmt.Errorf("compress_min_bytes must be >= 0")
	}

	if Config.Cache.Size < 0 {
		return fmt.Errorf("cache size must be >= 0")
	}

	return nil
}
