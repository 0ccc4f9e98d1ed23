// Package config holds the engine configuration and its TOML representation.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dreamware/shardkv/internal/logger"
)

// FsyncStrategy selects when buffered WAL entries are written and synced.
type FsyncStrategy string

const (
	// FsyncImmediate writes and syncs every append before it returns.
	FsyncImmediate FsyncStrategy = "immediate"
	// FsyncBatch flushes at BatchSize entries or FlushIntervalMs, whichever first.
	FsyncBatch FsyncStrategy = "batch"
	// FsyncAdaptive flushes on a shorter interval with a concurrency-driven batch target.
	FsyncAdaptive FsyncStrategy = "adaptive"
)

const (
	DefaultShardCount                = 16
	DefaultFsyncStrategy             = FsyncBatch
	DefaultBatchSize                 = 256
	DefaultFlushIntervalMs           = 10
	DefaultFlushTimeoutMs            = 5000
	DefaultQueueDepth                = 4096
	DefaultCorrelationDelta          = 0.1
	DefaultCorrelationDecayWindowMs  = 60000
	DefaultCorrelationWindow         = 8
	DefaultPrefetchThreshold         = 0.5
	DefaultPrefetchCacheSize         = 1024
	DefaultRebalanceEntropyThreshold = 0.75
	DefaultRebalanceRateLimit        = 10000
	DefaultRebalanceBatchSize        = 256
	DefaultMonitorIntervalMs         = 5000

	// AdaptiveIntervalFloor is the shortest flush interval the adaptive strategy uses.
	AdaptiveIntervalFloor = time.Millisecond
)

// Compression names accepted by WALCompression.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
)

// Config is the full set of engine options.
type Config struct {
	// DataDir holds one WAL file per shard. Empty disables the WAL.
	DataDir string `toml:"data_dir"`

	ShardCount      int           `toml:"shard_count"`
	FsyncStrategy   FsyncStrategy `toml:"fsync_strategy"`
	BatchSize       int           `toml:"batch_size"`
	FlushIntervalMs int           `toml:"flush_interval_ms"`
	FlushTimeoutMs  int           `toml:"flush_timeout_ms"`
	QueueDepth      int           `toml:"queue_depth"`
	WALCompression  string        `toml:"wal_compression"`

	CorrelationDelta         float64 `toml:"correlation_delta"`
	CorrelationDecayWindowMs int     `toml:"correlation_decay_window_ms"`
	CorrelationWindow        int     `toml:"correlation_window"`
	PrefetchThreshold        float64 `toml:"prefetch_threshold"`
	PrefetchCacheSize        int     `toml:"prefetch_cache_size"`

	RebalanceEntropyThreshold float64 `toml:"rebalance_entropy_threshold"`
	// RebalanceRateLimit is in keys per second; 0 means unlimited.
	RebalanceRateLimit float64 `toml:"rebalance_rate_limit"`
	RebalanceBatchSize int     `toml:"rebalance_batch_size"`
	// MonitorIntervalMs of 0 disables the background load monitor.
	MonitorIntervalMs int `toml:"monitor_interval_ms"`

	Logging logger.Config `toml:"logging"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		ShardCount:                DefaultShardCount,
		FsyncStrategy:             DefaultFsyncStrategy,
		BatchSize:                 DefaultBatchSize,
		FlushIntervalMs:           DefaultFlushIntervalMs,
		FlushTimeoutMs:            DefaultFlushTimeoutMs,
		QueueDepth:                DefaultQueueDepth,
		WALCompression:            CompressionNone,
		CorrelationDelta:          DefaultCorrelationDelta,
		CorrelationDecayWindowMs:  DefaultCorrelationDecayWindowMs,
		CorrelationWindow:         DefaultCorrelationWindow,
		PrefetchThreshold:         DefaultPrefetchThreshold,
		PrefetchCacheSize:         DefaultPrefetchCacheSize,
		RebalanceEntropyThreshold: DefaultRebalanceEntropyThreshold,
		RebalanceRateLimit:        DefaultRebalanceRateLimit,
		RebalanceBatchSize:        DefaultRebalanceBatchSize,
		MonitorIntervalMs:         DefaultMonitorIntervalMs,
		Logging:                   logger.NewConfig(),
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return c, nil
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.ShardCount <= 0 {
		return errors.New("shard_count must be positive")
	}
	switch c.FsyncStrategy {
	case FsyncImmediate, FsyncBatch, FsyncAdaptive:
	default:
		return fmt.Errorf("unknown fsync_strategy %q", c.FsyncStrategy)
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if c.FlushIntervalMs <= 0 {
		return errors.New("flush_interval_ms must be positive")
	}
	if c.FlushTimeoutMs <= 0 {
		return errors.New("flush_timeout_ms must be positive")
	}
	if c.QueueDepth <= 0 {
		return errors.New("queue_depth must be positive")
	}
	switch c.WALCompression {
	case "", CompressionNone, CompressionSnappy:
	default:
		return fmt.Errorf("unknown wal_compression %q", c.WALCompression)
	}
	if c.CorrelationDelta <= 0 || c.CorrelationDelta > 1 {
		return errors.New("correlation_delta must be in (0,1]")
	}
	if c.CorrelationDecayWindowMs <= 0 {
		return errors.New("correlation_decay_window_ms must be positive")
	}
	if c.CorrelationWindow <= 0 {
		return errors.New("correlation_window must be positive")
	}
	if c.PrefetchThreshold < 0 || c.PrefetchThreshold > 1 {
		return errors.New("prefetch_threshold must be in [0,1]")
	}
	if c.PrefetchCacheSize < 0 {
		return errors.New("prefetch_cache_size must not be negative")
	}
	if c.RebalanceEntropyThreshold <= 0 || c.RebalanceEntropyThreshold >= 1 {
		return errors.New("rebalance_entropy_threshold must be in (0,1)")
	}
	if c.RebalanceRateLimit < 0 {
		return errors.New("rebalance_rate_limit must not be negative")
	}
	if c.RebalanceBatchSize <= 0 {
		return errors.New("rebalance_batch_size must be positive")
	}
	if c.MonitorIntervalMs < 0 {
		return errors.New("monitor_interval_ms must not be negative")
	}
	return c.Logging.Validate()
}

// FlushInterval is FlushIntervalMs as a duration, shortened for the adaptive strategy.
func (c Config) FlushInterval() time.Duration {
	d := time.Duration(c.FlushIntervalMs) * time.Millisecond
	if c.FsyncStrategy == FsyncAdaptive {
		d /= 4
		if d < AdaptiveIntervalFloor {
			d = AdaptiveIntervalFloor
		}
	}
	return d
}

func (c Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

func (c Config) CorrelationDecayWindow() time.Duration {
	return time.Duration(c.CorrelationDecayWindowMs) * time.Millisecond
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}
