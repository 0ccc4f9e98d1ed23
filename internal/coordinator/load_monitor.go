package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/shardkv/internal/logger"
	"github.com/dreamware/shardkv/internal/telemetry"
)

// ErrRebalanceFailed is returned when a migration could not complete. The
// source shard stays authoritative for every key that was not moved.
var ErrRebalanceFailed = errors.New("rebalance failed")

// MonitorState is the state of the rebalancing state machine.
//
//	stable ──entropy < threshold──▶ triggered ──▶ migrating
//	   ▲                                              │
//	   └──────────── done, failed or cancelled ───────┘
type MonitorState int32

const (
	StateStable MonitorState = iota
	StateTriggered
	StateMigrating
)

func (s MonitorState) String() string {
	switch s {
	case StateTriggered:
		return "triggered"
	case StateMigrating:
		return "migrating"
	default:
		return "stable"
	}
}

// EntropyMeasurement is one sample of shard occupancy.
type EntropyMeasurement struct {
	Counts    []uint64  `json:"counts"`
	Entropy   float64   `json:"entropy"`
	Timestamp time.Time `json:"timestamp"`
}

// Migrator is the view of the engine the load monitor works through.
type Migrator interface {
	// ShardCounts returns the number of keys held by each shard.
	ShardCounts() []uint64

	// SelectKeys picks up to n keys of shard to move, cheapest first.
	SelectKeys(shard, n int) []string

	// MigrateKeys moves keys from src to dst and returns how many moved.
	// Keys that were not moved stay on src.
	MigrateKeys(ctx context.Context, src, dst int, keys []string) (int, error)
}

// MonitorConfig controls when and how fast the monitor rebalances.
type MonitorConfig struct {
	// Interval between samples. Zero disables the background loop.
	Interval time.Duration
	// Threshold is the entropy below which a rebalance starts.
	Threshold float64
	// RateLimit caps migrated keys per second. Zero means unlimited.
	RateLimit float64
	// BatchSize caps the keys moved per pass.
	BatchSize int
	// MaxPasses caps the passes of one rebalance.
	MaxPasses int
}

const defaultMaxPasses = 64

// LoadMonitor samples shard occupancy and moves keys from the most loaded
// shard to the least loaded one when the distribution gets too skewed.
//
// Entropy:
//
//	H = -Σ p_i log2 p_i / log2(n),  p_i = count_i / total
//
// 1.0 is perfectly balanced, 0.0 is every key on one shard. With a single
// shard or no keys the distribution is defined as balanced.
//
// Each rebalance pass picks the fullest and the emptiest shard (ties go to
// the lower id) and moves min(batch, gap/2) keys between them. Moving at
// most half the gap from a larger to a smaller shard never lowers entropy.
// Passes repeat until the threshold is met, nothing is left to move or the
// pass budget is spent.
//
// Thread Safety:
// Sample and MaybeRebalance may be called from any goroutine. Only one
// rebalance runs at a time; a call that finds one running returns at once.
type LoadMonitor struct {
	source   Migrator
	router   *ShardRouter
	cfg      MonitorConfig
	limiter  *rate.Limiter
	observer telemetry.Observer
	logger   *zap.Logger
	clock    clock.Clock

	state     atomic.Int32
	last      atomic.Pointer[EntropyMeasurement]
	rebalance sync.Mutex

	ctx    context.Context    // Context for cancellation
	cancel context.CancelFunc // Cancel function for shutdown
	wg     sync.WaitGroup     // Wait group for graceful shutdown
}

// MonitorOption configures a LoadMonitor.
type MonitorOption func(*LoadMonitor)

// WithObserver sets the telemetry observer.
func WithObserver(o telemetry.Observer) MonitorOption {
	return func(m *LoadMonitor) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) MonitorOption {
	return func(m *LoadMonitor) { m.logger = l }
}

// WithClock sets the clock driving the sampling ticker.
func WithClock(c clock.Clock) MonitorOption {
	return func(m *LoadMonitor) { m.clock = c }
}

// NewLoadMonitor creates a monitor over source. When router is non-nil its
// capacity factors are updated after every rebalance.
func NewLoadMonitor(source Migrator, router *ShardRouter, cfg MonitorConfig, opts ...MonitorOption) *LoadMonitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = defaultMaxPasses
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &LoadMonitor{
		source:   source,
		router:   router,
		cfg:      cfg,
		observer: telemetry.Nop{},
		logger:   zap.NewNop(),
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BatchSize)
	}
	return m
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
// It returns immediately when the interval is zero.
func (m *LoadMonitor) Start(ctx context.Context) {
	if m.cfg.Interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *LoadMonitor) run(ctx context.Context) {
	if ctx == nil {
		ctx = m.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Load monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ticker.C:
			if _, err := m.MaybeRebalance(ctx); err != nil {
				m.logger.Warn("Rebalance failed", zap.Error(err))
			}
		case <-ctx.Done():
			m.logger.Info("Load monitor stopping")
			return
		}
	}
}

// Stop halts the sampling loop and any rebalance in progress, and waits for
// them to exit.
func (m *LoadMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// State returns the current state of the rebalancing state machine.
func (m *LoadMonitor) State() MonitorState {
	return MonitorState(m.state.Load())
}

func (m *LoadMonitor) setState(s MonitorState) {
	m.state.Store(int32(s))
}

// Last returns the most recent measurement, or nil before the first sample.
func (m *LoadMonitor) Last() *EntropyMeasurement {
	return m.last.Load()
}

// Sample measures the current occupancy entropy.
func (m *LoadMonitor) Sample() EntropyMeasurement {
	counts := m.source.ShardCounts()
	em := EntropyMeasurement{
		Counts:    counts,
		Entropy:   Entropy(counts),
		Timestamp: m.clock.Now(),
	}
	m.last.Store(&em)
	m.observer.Observe(telemetry.Event{
		Time:    em.Timestamp,
		Kind:    telemetry.EntropySample,
		Entropy: em.Entropy,
	})
	return em
}

// Entropy returns the normalized Shannon entropy of counts.
func Entropy(counts []uint64) float64 {
	if len(counts) <= 1 {
		return 1.0
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 1.0
	}

	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(counts)))
}

// MaybeRebalance samples and, if entropy is below the threshold, migrates
// keys until it is not. It reports whether a migration ran.
func (m *LoadMonitor) MaybeRebalance(ctx context.Context) (bool, error) {
	if !m.rebalance.TryLock() {
		return false, nil
	}
	defer m.rebalance.Unlock()

	before := m.Sample()
	if before.Entropy >= m.cfg.Threshold {
		return false, nil
	}

	m.setState(StateTriggered)
	defer m.setState(StateStable)

	id := uuid.NewString()
	log := m.logger.With(zap.String("migration_id", id))
	log.Info("Rebalance triggered",
		zap.Float64("entropy", before.Entropy),
		zap.Float64("threshold", m.cfg.Threshold))

	m.setState(StateMigrating)
	start := m.clock.Now()
	m.observer.Observe(telemetry.Event{
		Time:        start,
		Kind:        telemetry.MigrationStart,
		MigrationID: id,
		Entropy:     before.Entropy,
	})

	moved, src, dst, err := m.migrate(logger.NewContextWithLogger(ctx, log))

	after := m.Sample()
	m.updateCapacity(after.Counts)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRebalanceFailed, err)
	}
	m.observer.Observe(telemetry.Event{
		Time:        m.clock.Now(),
		Kind:        telemetry.MigrationStop,
		MigrationID: id,
		Source:      src,
		Destination: dst,
		Keys:        moved,
		Entropy:     after.Entropy,
		Duration:    m.clock.Since(start),
		Err:         err,
	})
	log.Info("Rebalance finished",
		zap.Int("moved", moved),
		zap.Float64("entropy_before", before.Entropy),
		zap.Float64("entropy_after", after.Entropy),
		zap.Error(err))
	return true, err
}

// migrate runs rebalance passes and returns the keys moved and the last
// source and destination used.
func (m *LoadMonitor) migrate(ctx context.Context) (moved, src, dst int, err error) {
	src, dst = -1, -1
	for pass := 0; pass < m.cfg.MaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return moved, src, dst, err
		}

		counts := m.source.ShardCounts()
		if Entropy(counts) >= m.cfg.Threshold {
			return moved, src, dst, nil
		}
		src, dst = extremes(counts)
		n := int((counts[src] - counts[dst]) / 2)
		if n > m.cfg.BatchSize {
			n = m.cfg.BatchSize
		}
		if n == 0 {
			return moved, src, dst, nil
		}

		keys := m.source.SelectKeys(src, n)
		if len(keys) == 0 {
			return moved, src, dst, nil
		}
		if err := m.wait(ctx, len(keys)); err != nil {
			return moved, src, dst, err
		}

		k, err := m.source.MigrateKeys(ctx, src, dst, keys)
		moved += k
		if err != nil {
			return moved, src, dst, err
		}
	}
	return moved, src, dst, nil
}

// wait blocks until the rate limiter admits n keys.
func (m *LoadMonitor) wait(ctx context.Context, n int) error {
	if m.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if b := m.limiter.Burst(); chunk > b {
			chunk = b
		}
		if err := m.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// updateCapacity sets each shard's capacity factor to 1 - its load share.
func (m *LoadMonitor) updateCapacity(counts []uint64) {
	if m.router == nil || len(counts) != m.router.NumShards() {
		return
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	factors := make([]float64, len(counts))
	for i, c := range counts {
		factors[i] = 1.0
		if total > 0 {
			factors[i] = 1.0 - float64(c)/float64(total)
		}
	}
	_ = m.router.SetCapacityFactors(factors)
}

// extremes returns the most and least loaded shards, lower id first on ties.
func extremes(counts []uint64) (maxIdx, minIdx int) {
	for i, c := range counts {
		if c > counts[maxIdx] {
			maxIdx = i
		}
		if c < counts[minIdx] {
			minIdx = i
		}
	}
	return maxIdx, minIdx
}
