package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/correlation"
	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wal"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = storage.ErrKeyNotFound

	// ErrShardUnavailable is returned when a shard could not be created
	// after retrying.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrEmptyKey is returned for operations on the empty key.
	ErrEmptyKey = errors.New("empty key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

const (
	// lockStripes is the number of key lock stripes; a power of two.
	lockStripes = 256

	createAttempts = 3
	createBackoff  = 5 * time.Millisecond

	// resolveAttempts bounds how often a lock-free read re-resolves a key
	// whose location changed underneath it.
	resolveAttempts = 3

	prefetchQueueDepth = 256
)

// PutResult is where a write landed.
type PutResult struct {
	ShardID  int    `json:"shard_id"`
	Sequence uint64 `json:"sequence"`
}

// Engine owns the shards of one process together with the router, the load
// monitor and the correlation index. All methods are safe for concurrent use.
//
// Reads never take a lock. Writes take a per-key stripe lock so that a key's
// location cannot change between resolving it and mutating it; migration
// takes the same lock for each key it moves.
type Engine struct {
	cfg      config.Config
	logger   *zap.Logger
	observer telemetry.Observer
	clock    clock.Clock
	openLog  func(dir string, id int, opts wal.Options) (*wal.WAL, error)
	walOpts  wal.Options

	router  *coordinator.ShardRouter
	monitor *coordinator.LoadMonitor
	corr    *correlation.Index
	cache   *correlation.PrefetchCache
	fast    *FastPath

	shards *xsync.MapOf[int, *shard.Shard]
	wals   *xsync.MapOf[int, *wal.WAL]
	locks  [lockStripes]sync.Mutex

	prefetch chan string
	recovery RecoveryReport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open validates cfg and returns a running engine. When cfg.DataDir is set,
// every shard's WAL is opened and replayed before Open returns.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{
		logger:   zap.NewNop(),
		observer: telemetry.Nop{},
		clock:    clock.New(),
		openLog:  wal.Open,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var routerOpts []coordinator.RouterOption
	if o.hash != nil {
		routerOpts = append(routerOpts, coordinator.WithHashFunc(o.hash))
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   o.logger,
		observer: o.observer,
		clock:    o.clock,
		openLog:  o.openLog,
		router:   coordinator.NewShardRouter(cfg.ShardCount, routerOpts...),
		corr: correlation.New(correlation.Config{
			Delta:       cfg.CorrelationDelta,
			DecayWindow: cfg.CorrelationDecayWindow(),
			Window:      cfg.CorrelationWindow,
		}, o.clock),
		cache:    correlation.NewPrefetchCache(cfg.PrefetchCacheSize),
		shards:   xsync.NewMapOf[int, *shard.Shard](),
		wals:     xsync.NewMapOf[int, *wal.WAL](),
		prefetch: make(chan string, prefetchQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.fast = &FastPath{e: e}

	e.walOpts = wal.NewOptions(cfg)
	e.walOpts.Observer = e.observer
	e.walOpts.Logger = e.logger
	e.walOpts.Clock = e.clock

	e.monitor = coordinator.NewLoadMonitor(e, e.router, coordinator.MonitorConfig{
		Interval:  cfg.MonitorInterval(),
		Threshold: cfg.RebalanceEntropyThreshold,
		RateLimit: cfg.RebalanceRateLimit,
		BatchSize: cfg.RebalanceBatchSize,
	},
		coordinator.WithObserver(e.observer),
		coordinator.WithLogger(e.logger),
		coordinator.WithClock(e.clock),
	)

	if cfg.DataDir != "" {
		report, err := e.Recover(ctx)
		if err != nil {
			cancel()
			return nil, multierr.Append(fmt.Errorf("recover: %w", err), e.closeLogs())
		}
		e.recovery = report
		e.logger.Info("Recovered shards",
			zap.String("data_dir", cfg.DataDir),
			zap.Int("entries", report.Entries),
			zap.Int("skipped_frames", report.SkippedFrames),
			zap.Int("redirects", report.Redirects))
	}

	e.wg.Add(2)
	go e.maintain()
	go e.prefetcher()
	e.monitor.Start(ctx)

	e.logger.Info("Engine started",
		zap.Int("shards", cfg.ShardCount),
		zap.String("fsync", string(cfg.FsyncStrategy)))
	return e, nil
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// LastRecovery returns the report of the recovery run by Open.
func (e *Engine) LastRecovery() RecoveryReport {
	return e.recovery
}

// Router returns the engine's router.
func (e *Engine) Router() *coordinator.ShardRouter {
	return e.router
}

// Monitor returns the load monitor.
func (e *Engine) Monitor() *coordinator.LoadMonitor {
	return e.monitor
}

// Correlation returns the co-access index.
func (e *Engine) Correlation() *correlation.Index {
	return e.corr
}

// Rebalance runs one load check and migrates keys if the shards are skewed.
// It reports whether a migration ran.
func (e *Engine) Rebalance(ctx context.Context) (bool, error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	return e.monitor.MaybeRebalance(ctx)
}

// FastPath returns the direct executor for hash-routed keys.
func (e *Engine) FastPath() *FastPath {
	return e.fast
}

// Route returns the shard a new write of key would be placed on. Existing
// keys resolve through their redirect, if any.
func (e *Engine) Route(key string, opts *coordinator.RouteOptions) int {
	if rd, ok := e.router.Redirects().Lookup(key); ok {
		return rd.To
	}
	return e.router.Route(key, opts)
}

// Put stores value under key and returns the shard and sequence assigned.
func (e *Engine) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (PutResult, error) {
	if err := e.check(ctx, key); err != nil {
		return PutResult{}, err
	}
	po := newPutOptions(opts)
	start := e.begin(telemetry.OpPut, key)

	var (
		res PutResult
		err error
	)
	if po.route == nil {
		res, err = e.fast.Put(key, value, po.weight)
	}
	if po.route != nil || errors.Is(err, ErrRedirected) {
		res, err = e.put(key, value, po)
	}
	e.end(telemetry.OpPut, res.ShardID, start, err)
	return res, err
}

// put is the coordinated write path. It honours redirects and places new
// keys by affinity when a routing hint is given.
func (e *Engine) put(key string, value []byte, po putOptions) (PutResult, error) {
	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	home := e.router.GetShardForKey(key)
	target := home
	placed := false
	if rd, ok := e.router.Redirects().Lookup(key); ok {
		target = rd.To
	} else if po.route != nil {
		if s, ok := e.shards.Load(home); !ok || !s.Has(key) {
			target = e.router.Route(key, po.route)
			placed = target != home
		}
	}

	s, err := e.shardFor(target)
	if err != nil {
		return PutResult{ShardID: target}, err
	}
	seq, err := s.Put(key, value, po.weight)
	if err != nil {
		return PutResult{ShardID: target}, err
	}
	if placed {
		e.router.Redirects().Place(key, target)
	}
	e.cache.Invalidate(key)
	return PutResult{ShardID: target, Sequence: seq}, nil
}

// Get returns the value of key or ErrNotFound.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	if err := e.check(ctx, key); err != nil {
		return nil, err
	}
	start := e.begin(telemetry.OpGet, key)

	if v, ok := e.cache.Get(key); ok {
		e.observeRead(key)
		owner, _, _ := e.router.Resolve(key)
		e.end(telemetry.OpGet, owner, start, nil)
		return v, nil
	}

	var (
		v   []byte
		id  int
		err error
	)
	if e.router.Redirects().Len() == 0 {
		v, id, err = e.fast.get(key)
		if errors.Is(err, ErrNotFound) && e.router.Redirects().Len() > 0 {
			v, id, err = e.get(key, true)
		}
	} else {
		v, id, err = e.get(key, true)
	}

	if err == nil {
		e.observeRead(key)
	}
	e.end(telemetry.OpGet, id, start, err)
	return v, err
}

// get resolves key without locking. An in-flight key is looked up on its
// source first and then on its destination. If the key's location changed
// while it was being read, the lookup is retried.
func (e *Engine) get(key string, touch bool) ([]byte, int, error) {
	var id int
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		primary, secondary, inFlight := e.router.Resolve(key)
		id = primary
		if v, err := e.readFrom(primary, key, touch); err == nil {
			return v, primary, nil
		}
		if inFlight || secondary != primary {
			id = secondary
			if v, err := e.readFrom(secondary, key, touch); err == nil {
				return v, secondary, nil
			}
		}
		p, s, f := e.router.Resolve(key)
		if p == primary && s == secondary && f == inFlight {
			break
		}
	}
	return nil, id, ErrNotFound
}

func (e *Engine) readFrom(id int, key string, touch bool) ([]byte, error) {
	s, ok := e.shards.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	if touch {
		return s.Get(key)
	}
	rec, err := s.Record(key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Delete removes key and returns its last value, or ErrNotFound.
func (e *Engine) Delete(ctx context.Context, key string) ([]byte, error) {
	if err := e.check(ctx, key); err != nil {
		return nil, err
	}
	start := e.begin(telemetry.OpDelete, key)

	v, id, err := e.fast.delete(key)
	if errors.Is(err, ErrRedirected) {
		v, id, err = e.delete(key)
	}
	if err == nil {
		e.corr.Forget(key)
	}
	e.end(telemetry.OpDelete, id, start, err)
	return v, err
}

func (e *Engine) delete(key string) ([]byte, int, error) {
	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	id, _, _ := e.router.Resolve(key)
	defer e.cache.Invalidate(key)

	s, ok := e.shards.Load(id)
	if !ok {
		return nil, id, ErrNotFound
	}
	v, err := s.Delete(key)
	if err != nil {
		return nil, id, err
	}
	e.router.Redirects().Remove(key)
	return v, id, nil
}

// ForceFlush writes every queued WAL entry of shardID, or of every shard when
// shardID is nil, and waits for it to be synced.
func (e *Engine) ForceFlush(ctx context.Context, shardID *int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	id := -1
	if shardID != nil {
		id = *shardID
	}
	start := e.begin(telemetry.OpFlush, "")

	var err error
	if shardID != nil {
		if id < 0 || id >= e.cfg.ShardCount {
			err = fmt.Errorf("%w: shard %d", ErrShardUnavailable, id)
		} else if w, ok := e.wals.Load(id); ok {
			err = w.ForceFlush(ctx)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		e.wals.Range(func(_ int, w *wal.WAL) bool {
			g.Go(func() error { return w.ForceFlush(gctx) })
			return true
		})
		err = g.Wait()
	}
	e.end(telemetry.OpFlush, id, start, err)
	return err
}

// Close stops background work, flushes and closes every WAL. It is safe to
// call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.monitor.Stop()
	e.cancel()
	e.wg.Wait()

	err := e.closeLogs()
	e.logger.Info("Engine stopped", zap.Error(err))
	return err
}

func (e *Engine) closeLogs() error {
	var err error
	e.wals.Range(func(id int, w *wal.WAL) bool {
		if cerr := w.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close wal of shard %d: %w", id, cerr))
		}
		return true
	})
	return err
}

// shardFor returns shard id, creating it and its WAL on first use.
// Concurrent callers all get the same instance. Failing to open the WAL is
// retried with a doubling backoff before ErrShardUnavailable is returned;
// closing the engine ends the wait.
func (e *Engine) shardFor(id int) (*shard.Shard, error) {
	if s, ok := e.shards.Load(id); ok {
		return s, nil
	}
	if id < 0 || id >= e.cfg.ShardCount {
		return nil, fmt.Errorf("%w: shard %d out of range", ErrShardUnavailable, id)
	}

	backoff := createBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		var openErr error
		s, ok := e.shards.Compute(id, func(old *shard.Shard, loaded bool) (*shard.Shard, bool) {
			if loaded {
				return old, false
			}
			s, err := e.newShard(id)
			if err != nil {
				openErr = err
				return nil, true
			}
			return s, false
		})
		if ok {
			return s, nil
		}
		lastErr = openErr
		if attempt == createAttempts {
			break
		}
		e.logger.Debug("Retrying shard creation",
			zap.Int("shard", id), zap.Int("attempt", attempt), zap.Error(openErr))
		timer := e.clock.Timer(backoff)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: shard %d: %w", ErrShardUnavailable, id, ErrClosed)
		case <-timer.C:
		}
		backoff *= 2
	}
	e.logger.Warn("Shard unavailable", zap.Int("shard", id), zap.Error(lastErr))
	return nil, fmt.Errorf("%w: shard %d: %w", ErrShardUnavailable, id, lastErr)
}

func (e *Engine) newShard(id int) (*shard.Shard, error) {
	opts := []shard.Option{shard.WithLogger(e.logger), shard.WithClock(e.clock)}
	if e.cfg.DataDir != "" {
		w, err := e.openLog(e.cfg.DataDir, id, e.walOpts)
		if err != nil {
			return nil, err
		}
		e.wals.Store(id, w)
		opts = append(opts, shard.WithLog(w))
	}
	return shard.NewShard(id, opts...), nil
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	return &e.locks[xxhash.Sum64String(key)&(lockStripes-1)]
}

func (e *Engine) check(ctx context.Context, key string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if key == "" {
		return ErrEmptyKey
	}
	return ctx.Err()
}

func (e *Engine) begin(op, key string) time.Time {
	now := e.clock.Now()
	id := -1
	if key != "" {
		id = e.router.GetShardForKey(key)
	}
	e.observer.Observe(telemetry.Event{Time: now, Kind: telemetry.OpStart, Op: op, ShardID: id})
	return now
}

// end reports the outcome of an operation. A missing key is a normal
// outcome, not an exception.
func (e *Engine) end(op string, id int, start time.Time, err error) {
	now := e.clock.Now()
	ev := telemetry.Event{Time: now, Kind: telemetry.OpStop, Op: op, ShardID: id, Duration: now.Sub(start)}
	if err != nil && !errors.Is(err, ErrNotFound) {
		ev.Kind = telemetry.OpException
		ev.Err = err
	}
	e.observer.Observe(ev)
}
