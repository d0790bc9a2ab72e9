// Package config holds the root, YAML-decoded configuration for one
// kvstorm node, merging the internal/config and pkg/config shapes seen
// elsewhere in this codebase into a single root Config with
// per-subsystem defaults.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration for one node.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Raft      RaftConfig      `yaml:"raft"`
	Sharding  ShardingConfig  `yaml:"sharding"`
	Predictor PredictorConfig `yaml:"predictor"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoggerConfig controls structured-logging verbosity and format.
type LoggerConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	ID      uint64   `yaml:"id"`
	Peers   []uint64 `yaml:"peers"`
	DataDir string   `yaml:"data_dir"`
}

// StorageConfig tunes the LSM engine.
type StorageConfig struct {
	MemtableSizeBytes   int64 `yaml:"memtable_size_bytes"`
	NumLevels           int   `yaml:"num_levels"`
	L0CompactionTrigger int   `yaml:"l0_compaction_trigger"`
	L0StopWritesTrigger int   `yaml:"l0_stop_writes_trigger"`
	BlockCacheBlocks    int   `yaml:"block_cache_blocks"`
	PressureThreshold   float64 `yaml:"pressure_threshold"`
}

// RaftConfig tunes the consensus node's timers and batch limits.
type RaftConfig struct {
	TickPeriodMs        int `yaml:"tick_period_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	ElectionMinMs       int `yaml:"election_min_ms"`
	ElectionMaxMs       int `yaml:"election_max_ms"`
	BatchLimit          int `yaml:"batch_limit"`
	ApplyPeriodMs       int `yaml:"apply_period_ms"`
}

// ShardingConfig sizes the consistent-hash ring.
type ShardingConfig struct {
	NumShards      int `yaml:"num_shards"`
	VnodesPerShard int `yaml:"vnodes_per_shard"`
}

// PredictorConfig tunes the PINN-backed predictive sharder.
type PredictorConfig struct {
	TrainIntervalMs    int     `yaml:"train_interval_ms"`
	MinSamplesToTrain  int     `yaml:"min_samples_to_train"`
	BatchSize          int     `yaml:"batch_size"`
	MigrationThreshold float64 `yaml:"migration_threshold"`
}

// DiscoveryConfig configures optional ZooKeeper-backed peer discovery.
type DiscoveryConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Servers  []string `yaml:"servers"`
	RootPath string   `yaml:"root_path"`
}

// HTTPConfig configures the dashboard's listen address.
type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info", JSON: false},
		Node: NodeConfig{
			ID:      1,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			MemtableSizeBytes:   4 << 20,
			NumLevels:           4,
			L0CompactionTrigger: 4,
			L0StopWritesTrigger: 12,
			BlockCacheBlocks:    256,
			PressureThreshold:   0.8,
		},
		Raft: RaftConfig{
			TickPeriodMs:        20,
			HeartbeatIntervalMs: 50,
			ElectionMinMs:       150,
			ElectionMaxMs:       300,
			BatchLimit:          64,
			ApplyPeriodMs:       8,
		},
		Sharding: ShardingConfig{
			NumShards:      16,
			VnodesPerShard: 64,
		},
		Predictor: PredictorConfig{
			TrainIntervalMs:    5000,
			MinSamplesToTrain:  8,
			BatchSize:          256,
			MigrationThreshold: 0.8,
		},
		Discovery: DiscoveryConfig{
			RootPath: "/kvstorm",
		},
		HTTP: HTTPConfig{
			ListenAddress: "0.0.0.0:8080",
		},
	}
}

// Load reads and decodes a YAML config file, overlaying it onto
// Default() so an incomplete file still yields sane values for
// anything it omits. A missing file is not an error: it yields
// Default() directly rather than failing startup.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c RaftConfig) tickPeriod() time.Duration { return time.Duration(c.TickPeriodMs) * time.Millisecond }
func (c RaftConfig) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
func (c RaftConfig) applyPeriod() time.Duration { return time.Duration(c.ApplyPeriodMs) * time.Millisecond }

// RaftTimings exposes the Raft timer fields as time.Duration, for
// wiring into raft.Config.
func (c RaftConfig) RaftTimings() (tick, heartbeat, apply time.Duration) {
	return c.tickPeriod(), c.heartbeatInterval(), c.applyPeriod()
}

func (c PredictorConfig) trainInterval() time.Duration {
	return time.Duration(c.TrainIntervalMs) * time.Millisecond
}

// TrainInterval exposes the predictor's train interval as a
// time.Duration, for wiring into predictor.Config.
func (c PredictorConfig) TrainInterval() time.Duration { return c.trainInterval() }
