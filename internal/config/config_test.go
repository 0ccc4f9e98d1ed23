package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/shardkv/internal/config"
)

func TestConfig_Parse(t *testing.T) {
	c := config.NewConfig()
	if _, err := toml.Decode(`
shard_count = 4
fsync_strategy = "adaptive"
batch_size = 100
flush_interval_ms = 40
correlation_delta = 0.2
correlation_decay_window_ms = 1000
rebalance_entropy_threshold = 0.6
rebalance_rate_limit = 50.0
wal_compression = "snappy"

[logging]
format = "json"
level = "debug"
`, &c); err != nil {
		t.Fatal(err)
	}

	require.NoError(t, c.Validate())
	assert.Equal(t, 4, c.ShardCount)
	assert.Equal(t, config.FsyncAdaptive, c.FsyncStrategy)
	assert.Equal(t, 100, c.BatchSize)
	assert.Equal(t, 10*time.Millisecond, c.FlushInterval())
	assert.Equal(t, 0.2, c.CorrelationDelta)
	assert.Equal(t, time.Second, c.CorrelationDecayWindow())
	assert.Equal(t, 0.6, c.RebalanceEntropyThreshold)
	assert.Equal(t, 50.0, c.RebalanceRateLimit)
	assert.Equal(t, config.CompressionSnappy, c.WALCompression)
	assert.Equal(t, zapcore.DebugLevel, c.Logging.Level)

	// untouched keys keep their defaults
	assert.Equal(t, config.DefaultQueueDepth, c.QueueDepth)
}

func TestConfig_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardkv.toml")
	require.NoError(t, os.WriteFile(path, []byte("shard_count = 3\ndata_dir = \"/tmp/x\"\n"), 0o644))

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.ShardCount)
	assert.Equal(t, "/tmp/x", c.DataDir)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, config.NewConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"zero shards", func(c *config.Config) { c.ShardCount = 0 }},
		{"unknown strategy", func(c *config.Config) { c.FsyncStrategy = "sometimes" }},
		{"zero batch", func(c *config.Config) { c.BatchSize = 0 }},
		{"zero interval", func(c *config.Config) { c.FlushIntervalMs = 0 }},
		{"delta above one", func(c *config.Config) { c.CorrelationDelta = 1.5 }},
		{"threshold of one", func(c *config.Config) { c.RebalanceEntropyThreshold = 1 }},
		{"negative rate", func(c *config.Config) { c.RebalanceRateLimit = -1 }},
		{"bad compression", func(c *config.Config) { c.WALCompression = "lz4" }},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.NewConfig()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_FlushInterval(t *testing.T) {
	c := config.NewConfig()
	c.FlushIntervalMs = 2
	assert.Equal(t, 2*time.Millisecond, c.FlushInterval())

	c.FsyncStrategy = config.FsyncAdaptive
	assert.Equal(t, config.AdaptiveIntervalFloor, c.FlushInterval())
}
