package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/logger"
)

const envPrefix = "SHARDKV"

// engineOpts holds the flags shared by commands that open an engine.
type engineOpts struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "shardkv",
		Short:         "Sharded in-memory key-value engine",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newRecoverCommand(),
		newInspectWALCommand(),
		newStatsCommand(),
		newFlushCommand(),
		newRebalanceCommand(),
	)
	return root
}

// newEngineOpts registers the engine flags on cmd and binds them, and their
// SHARDKV_ environment variables, to a fresh viper instance.
func newEngineOpts(cmd *cobra.Command) *engineOpts {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := config.NewConfig()
	f := cmd.Flags()
	f.String("config", "", "path to a TOML config file")
	f.String("data-dir", "", "directory holding one WAL file per shard; empty disables the WAL")
	f.Int("shard-count", def.ShardCount, "number of shards")
	f.String("fsync-strategy", string(def.FsyncStrategy), "immediate, batch or adaptive")
	f.Int("batch-size", def.BatchSize, "WAL entries per batch")
	f.Int("flush-interval-ms", def.FlushIntervalMs, "longest time an entry waits in the WAL buffer")
	f.Int("flush-timeout-ms", def.FlushTimeoutMs, "default timeout of a forced flush")
	f.Int("queue-depth", def.QueueDepth, "WAL buffer capacity per shard")
	f.String("wal-compression", def.WALCompression, "none or snappy")
	f.Float64("correlation-delta", def.CorrelationDelta, "strength added per co-access")
	f.Int("correlation-decay-window-ms", def.CorrelationDecayWindowMs, "age after which correlations are halved")
	f.Int("correlation-window", def.CorrelationWindow, "recent reads each read is correlated with")
	f.Float64("prefetch-threshold", def.PrefetchThreshold, "minimum strength of a prefetched neighbour")
	f.Int("prefetch-cache-size", def.PrefetchCacheSize, "prefetched values kept; 0 disables prefetching")
	f.Float64("rebalance-entropy-threshold", def.RebalanceEntropyThreshold, "entropy below which keys are rebalanced")
	f.Float64("rebalance-rate-limit", def.RebalanceRateLimit, "keys migrated per second; 0 is unlimited")
	f.Int("rebalance-batch-size", def.RebalanceBatchSize, "keys moved per rebalance pass")
	f.Int("monitor-interval-ms", def.MonitorIntervalMs, "load check interval; 0 disables the monitor")
	f.String("log-level", def.Logging.Level.String(), "debug, info, warn or error")
	f.String("log-format", def.Logging.Format, "auto, console or json")

	f.VisitAll(func(fl *pflag.Flag) {
		if err := v.BindPFlag(fl.Name, fl); err != nil {
			panic(err)
		}
	})
	return &engineOpts{v: v}
}

// Config builds the engine configuration: defaults, then the config file,
// then environment variables and flags.
func (o *engineOpts) Config() (config.Config, error) {
	cfg := config.NewConfig()
	if path := o.v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	setString := func(key string, dst *string) {
		if o.v.IsSet(key) {
			*dst = o.v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if o.v.IsSet(key) {
			*dst = o.v.GetInt(key)
		}
	}
	setFloat := func(key string, dst *float64) {
		if o.v.IsSet(key) {
			*dst = o.v.GetFloat64(key)
		}
	}

	setString("data-dir", &cfg.DataDir)
	setInt("shard-count", &cfg.ShardCount)
	if o.v.IsSet("fsync-strategy") {
		cfg.FsyncStrategy = config.FsyncStrategy(o.v.GetString("fsync-strategy"))
	}
	setInt("batch-size", &cfg.BatchSize)
	setInt("flush-interval-ms", &cfg.FlushIntervalMs)
	setInt("flush-timeout-ms", &cfg.FlushTimeoutMs)
	setInt("queue-depth", &cfg.QueueDepth)
	setString("wal-compression", &cfg.WALCompression)
	setFloat("correlation-delta", &cfg.CorrelationDelta)
	setInt("correlation-decay-window-ms", &cfg.CorrelationDecayWindowMs)
	setInt("correlation-window", &cfg.CorrelationWindow)
	setFloat("prefetch-threshold", &cfg.PrefetchThreshold)
	setInt("prefetch-cache-size", &cfg.PrefetchCacheSize)
	setFloat("rebalance-entropy-threshold", &cfg.RebalanceEntropyThreshold)
	setFloat("rebalance-rate-limit", &cfg.RebalanceRateLimit)
	setInt("rebalance-batch-size", &cfg.RebalanceBatchSize)
	setInt("monitor-interval-ms", &cfg.MonitorIntervalMs)
	setString("log-format", &cfg.Logging.Format)
	if o.v.IsSet("log-level") {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(o.v.GetString("log-level"))); err != nil {
			return config.Config{}, fmt.Errorf("log-level: %w", err)
		}
		cfg.Logging.Level = lvl
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *zap.Logger {
	return logger.New(w, cfg.Logging)
}
