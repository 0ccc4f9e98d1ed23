package wal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/batcher"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/telemetry"
)

var (
	// ErrClosed is returned when appending to or flushing a closed WAL.
	ErrClosed = errors.New("wal closed")

	// ErrWriteFailure wraps a failed write or fsync. The WAL keeps running in
	// degraded mode after one.
	ErrWriteFailure = errors.New("wal write failure")

	// ErrFlushTimeout is returned when ForceFlush does not finish in time.
	ErrFlushTimeout = errors.New("wal flush timeout")
)

// FileName returns the name of the WAL file for a shard.
func FileName(shardID int) string {
	return fmt.Sprintf("shard-%05d.wal", shardID)
}

// Options controls how a WAL buffers and syncs.
type Options struct {
	Strategy      config.FsyncStrategy
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	QueueDepth    int
	Compression   Codec

	Observer telemetry.Observer
	Logger   *zap.Logger
	Clock    clock.Clock
}

// NewOptions derives WAL options from the engine config.
func NewOptions(c config.Config) Options {
	o := Options{
		Strategy:      c.FsyncStrategy,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval(),
		FlushTimeout:  c.FlushTimeout(),
		QueueDepth:    c.QueueDepth,
	}
	if c.WALCompression == config.CompressionSnappy {
		o.Compression = CodecSnappy
	}
	return o
}

// RecoveryReport describes one shard's replay.
type RecoveryReport struct {
	ShardID       int
	Batches       int
	Entries       int
	SkippedFrames int
	LastSequence  uint64
	// Truncated is the number of trailing bytes cut from the file because
	// they did not form a complete batch.
	Truncated int64
}

// Stats are the counters each WAL tracks.
type Stats struct {
	Batches  uint64
	Entries  uint64
	Syncs    uint64
	Failures uint64
	Size     int64
	Degraded bool
}

// segmentFile is the subset of *os.File the WAL writes through.
type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL is the write-ahead log of a single shard. Entries are buffered by a
// batcher and written as batch frames by its consumer goroutine, so file
// order equals the order in which Append was called.
type WAL struct {
	shardID int
	path    string
	opts    Options
	logger  *zap.Logger
	clock   clock.Clock

	mu   sync.Mutex // guards file, w and size
	file segmentFile
	w    *SegmentWriter
	size int64 // end of the last complete batch

	batcher *batcher.Batcher[Entry] // nil for the immediate strategy

	closed   atomic.Bool
	degraded atomic.Bool

	batches  atomic.Uint64
	entries  atomic.Uint64
	syncs    atomic.Uint64
	failures atomic.Uint64
}

// Open opens or creates the WAL file of shardID in dir.
func Open(dir string, shardID int, opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = telemetry.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Strategy == "" {
		opts.Strategy = config.DefaultFsyncStrategy
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = time.Duration(config.DefaultFlushTimeoutMs) * time.Millisecond
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	path := filepath.Join(dir, FileName(shardID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("stat wal %s: %w", path, err), f.Close())
	}

	w := &WAL{
		shardID: shardID,
		path:    path,
		opts:    opts,
		logger:  opts.Logger.With(zap.Int("shard", shardID), zap.String("path", path)),
		clock:   opts.Clock,
		file:    f,
		w:       NewSegmentWriter(f, opts.Compression),
		size:    fi.Size(),
	}

	switch opts.Strategy {
	case config.FsyncImmediate:
	case config.FsyncAdaptive:
		w.batcher = batcher.New[Entry](batcher.Policy{
			Size:       opts.BatchSize,
			Interval:   opts.FlushInterval,
			Adaptive:   true,
			QueueDepth: opts.QueueDepth,
		}, w.writeBatch, batcher.WithClock(opts.Clock))
	default:
		w.batcher = batcher.New[Entry](batcher.Policy{
			Size:       opts.BatchSize,
			Interval:   opts.FlushInterval,
			QueueDepth: opts.QueueDepth,
		}, w.writeBatch, batcher.WithClock(opts.Clock))
	}
	return w, nil
}

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

// ShardID returns the shard this WAL belongs to.
func (w *WAL) ShardID() int { return w.shardID }

// Append logs e. With the immediate strategy the entry is written and synced
// before Append returns and a write failure is returned. Otherwise the entry
// is queued and failures surface through Degraded and ForceFlush.
func (w *WAL) Append(e Entry) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.batcher == nil {
		return w.writeBatch([]Entry{e})
	}
	if err := w.batcher.Add(e); err != nil {
		if errors.Is(err, batcher.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// ForceFlush blocks until everything appended before the call is written and
// synced. Without a deadline on ctx the configured flush timeout applies.
func (w *WAL) ForceFlush(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.batcher == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.FlushTimeout)
		defer cancel()
	}

	err := w.batcher.Flush(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, batcher.ErrClosed):
		return ErrClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("shard %d: %w: %v", w.shardID, ErrFlushTimeout, err)
	default:
		return err
	}
}

// writeBatch writes entries as one batch and syncs the file. A failure cuts
// the file back to the previous batch boundary and flips the WAL into
// degraded mode until a later batch succeeds.
func (w *WAL) writeBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	start := w.clock.Now()
	n, err := w.w.WriteBatch(entries, start)
	if err == nil {
		if err = w.file.Sync(); err == nil {
			w.syncs.Add(1)
		}
	}

	ev := telemetry.Event{
		Time:     start,
		Kind:     telemetry.WALFlush,
		ShardID:  w.shardID,
		Entries:  len(entries),
		Duration: w.clock.Since(start),
	}

	if err != nil {
		w.failures.Add(1)
		if n > 0 {
			if terr := w.file.Truncate(w.size); terr != nil {
				w.logger.Warn("Failed to truncate partial WAL batch", zap.Error(terr))
			}
		}
		err = fmt.Errorf("shard %d: %w: %v", w.shardID, ErrWriteFailure, err)
		ev.Err = err
		w.opts.Observer.Observe(ev)

		if !w.degraded.Swap(true) {
			w.logger.Warn("WAL degraded, continuing with memory-only durability",
				zap.Int("entries", len(entries)), zap.Error(err))
			w.opts.Observer.Observe(telemetry.Event{
				Time: start, Kind: telemetry.WALDegraded, ShardID: w.shardID, Err: err,
			})
		}
		return err
	}

	w.size += int64(n)
	w.batches.Add(1)
	w.entries.Add(uint64(len(entries)))
	w.opts.Observer.Observe(ev)

	if w.degraded.Swap(false) {
		w.logger.Info("WAL restored")
		w.opts.Observer.Observe(telemetry.Event{
			Time: start, Kind: telemetry.WALRestored, ShardID: w.shardID,
		})
	}
	return nil
}

// Recover reads every complete batch in the file and returns the entries
// ordered by sequence. Trailing bytes that do not form a complete batch are
// truncated so later appends follow the last good batch.
func (w *WAL) Recover() ([]Entry, RecoveryReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := RecoveryReport{ShardID: w.shardID}
	f, err := os.Open(w.path)
	if err != nil {
		return nil, report, fmt.Errorf("open wal for recovery: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, report, fmt.Errorf("stat wal for recovery: %w", err)
	}

	var entries []Entry
	r := NewSegmentReader(f)
	for r.Next() {
		b := r.Batch()
		report.Batches++
		entries = append(entries, b.Entries...)
	}
	report.Entries = len(entries)
	report.SkippedFrames = r.Skipped()

	if valid := r.ValidOffset(); valid < fi.Size() {
		report.Truncated = fi.Size() - valid
		w.logger.Warn("Truncating torn WAL tail",
			zap.Int64("valid_offset", valid),
			zap.Int64("truncated_bytes", report.Truncated),
			zap.Error(r.Err()))
		if w.file != nil {
			if err := w.file.Truncate(valid); err != nil {
				return nil, report, fmt.Errorf("truncate wal: %w", err)
			}
		}
		w.size = valid
	} else {
		w.size = fi.Size()
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	if len(entries) > 0 {
		report.LastSequence = entries[len(entries)-1].Sequence
	}

	w.opts.Observer.Observe(telemetry.Event{
		Time:    w.clock.Now(),
		Kind:    telemetry.Recovery,
		ShardID: w.shardID,
		Entries: report.Entries,
		Skipped: report.SkippedFrames,
	})
	return entries, report, nil
}

// Degraded reports whether the last write attempt failed.
func (w *WAL) Degraded() bool { return w.degraded.Load() }

// Stats returns a snapshot of the WAL counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	size := w.size
	w.mu.Unlock()
	return Stats{
		Batches:  w.batches.Load(),
		Entries:  w.entries.Load(),
		Syncs:    w.syncs.Load(),
		Failures: w.failures.Load(),
		Size:     size,
		Degraded: w.Degraded(),
	}
}

// Close flushes queued entries, syncs and closes the file.
func (w *WAL) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if w.batcher != nil {
		err = multierr.Append(err, w.batcher.Close())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err = multierr.Append(err, w.file.Sync())
		err = multierr.Append(err, w.file.Close())
		w.file = nil
	}
	return err
}
