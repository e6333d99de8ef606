// Package config provides a reusable loader for bridge-sequencer
// configuration files and environment variables.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"bridge-sequencer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// HSMProviderConfig describes one entry in the signing kernel's failover
// chain (§6 hsm_primary / hsm_secondary).
type HSMProviderConfig struct {
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	KeyID    string `mapstructure:"key_id" json:"key_id"`
}

// BreakerConfig mirrors circuit_breaker.default (§6).
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"`
	ResetTimeoutMS   int `mapstructure:"reset_timeout_ms" json:"reset_timeout_ms"`
}

// RetryConfig mirrors retry.default (§6).
type RetryConfig struct {
	Max       int     `mapstructure:"max" json:"max"`
	InitialMS int     `mapstructure:"initial_ms" json:"initial_ms"`
	Factor    float64 `mapstructure:"factor" json:"factor"`
	MaxMS     int     `mapstructure:"max_ms" json:"max_ms"`
	Jitter    float64 `mapstructure:"jitter" json:"jitter"`
}

// CacheLevelConfigYAML mirrors one entry of cache.levels[] (§6).
type CacheLevelConfigYAML struct {
	Name     string `mapstructure:"name" json:"name"`
	Capacity int    `mapstructure:"capacity" json:"capacity"`
	TTLMS    int    `mapstructure:"ttl_ms" json:"ttl_ms"`
	Eviction string `mapstructure:"eviction" json:"eviction"` // "lru" | "fifo"
}

// Config is the unified configuration for a bridge-sequencer node, mirroring
// the schema in §6.
type Config struct {
	NodeID string   `mapstructure:"node_id" json:"node_id"`
	Peers  []string `mapstructure:"peers" json:"peers"`

	ElectionTimeoutMinMS int `mapstructure:"election_timeout_min_ms" json:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `mapstructure:"election_timeout_max_ms" json:"election_timeout_max_ms"`
	HeartbeatMS          int `mapstructure:"heartbeat_ms" json:"heartbeat_ms"`

	SnapshotThresholdEntries uint64 `mapstructure:"snapshot_threshold_entries" json:"snapshot_threshold_entries"`

	QueueCapacity              int `mapstructure:"queue_capacity" json:"queue_capacity"`
	QueueBackpressureThreshold int `mapstructure:"queue_backpressure_threshold" json:"queue_backpressure_threshold"`

	BatchMaxSize     int `mapstructure:"batch_max_size" json:"batch_max_size"`
	BatchTimeoutMS   int `mapstructure:"batch_timeout_ms" json:"batch_timeout_ms"`
	IdleFlushMS      int `mapstructure:"idle_flush_ms" json:"idle_flush_ms"`

	HSMPrimary   HSMProviderConfig `mapstructure:"hsm_primary" json:"hsm_primary"`
	HSMSecondary HSMProviderConfig `mapstructure:"hsm_secondary" json:"hsm_secondary"`

	RotationIntervalDays int `mapstructure:"rotation_interval_days" json:"rotation_interval_days"`
	OverlapHours         int `mapstructure:"overlap_hours" json:"overlap_hours"`

	EmergencyBudgetTxs   int `mapstructure:"emergency_budget_txs" json:"emergency_budget_txs"`
	EmergencyBudgetMins  int `mapstructure:"emergency_budget_mins" json:"emergency_budget_mins"`
	SignerProbeSeconds   int `mapstructure:"signer_probe_seconds" json:"signer_probe_seconds"`
	SignerWorkerPoolSize int `mapstructure:"signer_worker_pool_size" json:"signer_worker_pool_size"`

	CircuitBreaker struct {
		Default BreakerConfig `mapstructure:"default" json:"default"`
	} `mapstructure:"circuit_breaker" json:"circuit_breaker"`

	Retry struct {
		Default RetryConfig `mapstructure:"default" json:"default"`
	} `mapstructure:"retry" json:"retry"`

	Cache struct {
		Levels                []CacheLevelConfigYAML `mapstructure:"levels" json:"levels"`
		CompressionThresholdB int                     `mapstructure:"compression_threshold_bytes" json:"compression_threshold_bytes"`
	} `mapstructure:"cache" json:"cache"`

	L1Watcher struct {
		FinalityWindowBlocks int `mapstructure:"finality_window_blocks" json:"finality_window_blocks"`
		PollIntervalMS       int `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	} `mapstructure:"l1_watcher" json:"l1_watcher"`

	AdminRPC struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"admin_rpc" json:"admin_rpc"`

	LogDir   string `mapstructure:"log_dir" json:"log_dir"`
	StateDir string `mapstructure:"state_dir" json:"state_dir"`
}

// ElectionTimeoutMin returns the configured minimum election timeout as a
// time.Duration.
func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMS) * time.Millisecond
}

// ElectionTimeoutMax returns the configured maximum election timeout as a
// time.Duration.
func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMS) * time.Millisecond
}

// Heartbeat returns the configured heartbeat interval as a time.Duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// defaults seeds every key with the values from §6's worked example before
// a config file or environment overrides are applied.
func defaults() {
	viper.SetDefault("node_id", "")
	viper.SetDefault("election_timeout_min_ms", 150)
	viper.SetDefault("election_timeout_max_ms", 300)
	viper.SetDefault("heartbeat_ms", 50)
	viper.SetDefault("snapshot_threshold_entries", 10000)
	viper.SetDefault("queue_capacity", 50000)
	viper.SetDefault("queue_backpressure_threshold", 40000)
	viper.SetDefault("batch_max_size", 500)
	viper.SetDefault("batch_timeout_ms", 2000)
	viper.SetDefault("idle_flush_ms", 200)
	viper.SetDefault("rotation_interval_days", 90)
	viper.SetDefault("overlap_hours", 24)
	viper.SetDefault("emergency_budget_txs", 1000)
	viper.SetDefault("emergency_budget_mins", 60)
	viper.SetDefault("signer_probe_seconds", 30)
	viper.SetDefault("signer_worker_pool_size", 8)
	viper.SetDefault("circuit_breaker.default.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.default.reset_timeout_ms", 5000)
	viper.SetDefault("retry.default.max", 3)
	viper.SetDefault("retry.default.initial_ms", 50)
	viper.SetDefault("retry.default.factor", 2.0)
	viper.SetDefault("retry.default.max_ms", 2000)
	viper.SetDefault("retry.default.jitter", 0.2)
	viper.SetDefault("cache.compression_threshold_bytes", 4096)
	viper.SetDefault("l1_watcher.finality_window_blocks", 64)
	viper.SetDefault("l1_watcher.poll_interval_ms", 4000)
	viper.SetDefault("admin_rpc.listen_addr", "127.0.0.1:8091")
	viper.SetDefault("log_dir", "./data/logs")
	viper.SetDefault("state_dir", "./data/state")
}

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	defaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("SEQ")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SEQ_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SEQ_ENV", ""))
}
