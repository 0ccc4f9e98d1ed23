package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics.
const namespace = "shardkv"

const (
	opSubsystem        = "ops"       // sub-system for key operations.
	walSubsystem       = "wal"       // sub-system for write-ahead logs.
	rebalanceSubsystem = "rebalance" // sub-system for the load monitor.
)

// Metrics is an Observer that records events into prometheus collectors.
type Metrics struct {
	Ops        *prometheus.CounterVec
	OpDuration *prometheus.HistogramVec

	WALFlushes  *prometheus.CounterVec
	WALDegraded *prometheus.GaugeVec
	Recovered   *prometheus.CounterVec
	Skipped     *prometheus.CounterVec

	Entropy      prometheus.Gauge
	Migrations   *prometheus.CounterVec
	MigratedKeys prometheus.Counter
}

// NewMetrics initialises the prometheus metrics for the engine.
func NewMetrics() *Metrics {
	return &Metrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: opSubsystem,
			Name:      "total",
			Help:      "Number of key operations by shard, operation and status.",
		}, []string{"shard", "op", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: opSubsystem,
			Name:      "duration_seconds",
			Help:      "Time taken by key operations.",
			// 20 buckets spaced exponentially between 1µs and ~0.5s.
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 20),
		}, []string{"op"}),
		WALFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: walSubsystem,
			Name:      "flushes_total",
			Help:      "Number of WAL batch writes by shard and status.",
		}, []string{"shard", "status"}),
		WALDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: walSubsystem,
			Name:      "degraded",
			Help:      "1 when the shard is running with memory-only durability.",
		}, []string{"shard"}),
		Recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: walSubsystem,
			Name:      "recovered_entries_total",
			Help:      "Number of WAL entries replayed during recovery.",
		}, []string{"shard"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: walSubsystem,
			Name:      "skipped_frames_total",
			Help:      "Number of malformed WAL frames skipped during recovery.",
		}, []string{"shard"}),
		Entropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: rebalanceSubsystem,
			Name:      "entropy",
			Help:      "Normalized Shannon entropy of shard occupancy.",
		}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: rebalanceSubsystem,
			Name:      "migrations_total",
			Help:      "Number of key migrations by status.",
		}, []string{"status"}),
		MigratedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: rebalanceSubsystem,
			Name:      "migrated_keys_total",
			Help:      "Number of keys moved between shards.",
		}),
	}
}

// PrometheusCollectors returns every collector so callers can register them.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Ops,
		m.OpDuration,
		m.WALFlushes,
		m.WALDegraded,
		m.Recovered,
		m.Skipped,
		m.Entropy,
		m.Migrations,
		m.MigratedKeys,
	}
}

// Observe satisfies Observer.
func (m *Metrics) Observe(e Event) {
	shard := strconv.Itoa(e.ShardID)
	switch e.Kind {
	case OpStop:
		m.Ops.WithLabelValues(shard, e.Op, "ok").Inc()
		m.OpDuration.WithLabelValues(e.Op).Observe(e.Duration.Seconds())
	case OpException:
		m.Ops.WithLabelValues(shard, e.Op, "error").Inc()
		m.OpDuration.WithLabelValues(e.Op).Observe(e.Duration.Seconds())
	case WALFlush:
		status := "ok"
		if e.Err != nil {
			status = "error"
		}
		m.WALFlushes.WithLabelValues(shard, status).Inc()
	case WALDegraded:
		m.WALDegraded.WithLabelValues(shard).Set(1)
	case WALRestored:
		m.WALDegraded.WithLabelValues(shard).Set(0)
	case Recovery:
		m.Recovered.WithLabelValues(shard).Add(float64(e.Entries))
		m.Skipped.WithLabelValues(shard).Add(float64(e.Skipped))
	case EntropySample:
		m.Entropy.Set(e.Entropy)
	case MigrationStop:
		status := "ok"
		if e.Err != nil {
			status = "error"
		}
		m.Migrations.WithLabelValues(status).Inc()
		m.MigratedKeys.Add(float64(e.Keys))
	}
}
