// Package batcher coalesces items produced by many goroutines into batches
// handed to a single consumer. A batch is emitted when it reaches the target
// size, when the flush interval elapses, or when a caller forces a flush.
package batcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned when adding to or flushing a closed Batcher.
var ErrClosed = errors.New("batcher closed")

const (
	// DefaultQueueDepth bounds the number of items waiting for the consumer.
	DefaultQueueDepth = 4096

	// itemsPerProducer scales the adaptive target with observed concurrency.
	itemsPerProducer = 8
)

// Policy controls when batches are emitted.
type Policy struct {
	// Size is the batch size target. With Adaptive set it is the hard cap.
	Size int
	// Interval forces a flush of a non-empty batch this long after the last one.
	Interval time.Duration
	// Adaptive grows the target with the number of concurrent producers.
	Adaptive bool
	// QueueDepth bounds the inbound queue.
	QueueDepth int
}

// Stats are the statistics each batcher tracks. While each statistic should
// be closely correlated with each other statistic, it is not guaranteed.
type Stats struct {
	BatchTotal   uint64 // Total count of batches handed to the flush function.
	ItemTotal    uint64 // Total count of items processed.
	SizeTotal    uint64 // Number of batches that reached the size target.
	TimeoutTotal uint64 // Number of interval-triggered flushes.
	ForcedTotal  uint64 // Number of caller-requested flushes.
	ErrorTotal   uint64 // Number of flush function failures.
	Target       int    // Current batch size target.
}

// FlushFunc writes a batch. The slice is reused after it returns.
type FlushFunc[T any] func(batch []T) error

type flushRequest struct {
	done chan error
}

// Batcher accepts items from any goroutine and emits them in batches from a
// single consumer goroutine, so FlushFunc is never called concurrently.
type Batcher[T any] struct {
	policy Policy
	flush  FlushFunc[T]
	clock  clock.Clock

	in   chan T
	ctl  chan flushRequest
	quit chan struct{}
	done chan struct{}

	mu     sync.RWMutex // held shared by Add, exclusively by Close
	closed bool

	producers atomic.Int64
	peak      atomic.Int64
	target    atomic.Int64

	stats Stats

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Batcher.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used for the flush interval.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New returns a running Batcher. Close must be called to release it.
func New[T any](policy Policy, flush FlushFunc[T], opts ...Option) *Batcher[T] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if policy.Size <= 0 {
		policy.Size = 1
	}
	if policy.QueueDepth <= 0 {
		policy.QueueDepth = DefaultQueueDepth
	}
	if policy.Interval <= 0 {
		policy.Interval = time.Second
	}

	b := &Batcher[T]{
		policy: policy,
		flush:  flush,
		clock:  o.clock,
		in:     make(chan T, policy.QueueDepth),
		ctl:    make(chan flushRequest),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if policy.Adaptive {
		b.target.Store(1)
	} else {
		b.target.Store(int64(policy.Size))
	}

	go b.run()
	return b
}

// Add enqueues an item. It blocks only while the queue is full.
func (b *Batcher[T]) Add(item T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	n := b.producers.Add(1)
	defer b.producers.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b.in <- item
	return nil
}

// Flush blocks until every item added before the call has been handed to the
// flush function, or ctx is done. It returns the flush function's error.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case b.ctl <- req:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting items, flushes what is queued and waits for the
// consumer to exit. It returns the final flush's error.
func (b *Batcher[T]) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.quit)
		<-b.done
	})
	return b.closeErr
}

// Target returns the current batch size target.
func (b *Batcher[T]) Target() int {
	return int(b.target.Load())
}

// Stats returns a snapshot of the batcher's statistics.
func (b *Batcher[T]) Stats() Stats {
	return Stats{
		BatchTotal:   atomic.LoadUint64(&b.stats.BatchTotal),
		ItemTotal:    atomic.LoadUint64(&b.stats.ItemTotal),
		SizeTotal:    atomic.LoadUint64(&b.stats.SizeTotal),
		TimeoutTotal: atomic.LoadUint64(&b.stats.TimeoutTotal),
		ForcedTotal:  atomic.LoadUint64(&b.stats.ForcedTotal),
		ErrorTotal:   atomic.LoadUint64(&b.stats.ErrorTotal),
		Target:       b.Target(),
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := b.clock.Ticker(b.policy.Interval)
	defer ticker.Stop()

	batch := make([]T, 0, b.policy.Size)
	for {
		select {
		case item := <-b.in:
			batch = append(batch, item)
			if len(batch) >= b.Target() {
				atomic.AddUint64(&b.stats.SizeTotal, 1)
				batch, _ = b.commit(batch)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				atomic.AddUint64(&b.stats.TimeoutTotal, 1)
				batch, _ = b.commit(batch)
			}

		case req := <-b.ctl:
			batch = b.drain(batch)
			atomic.AddUint64(&b.stats.ForcedTotal, 1)
			var err error
			batch, err = b.commit(batch)
			req.done <- err

		case <-b.quit:
			batch = b.drain(batch)
			_, b.closeErr = b.commit(batch)
			return
		}
	}
}

// drain moves everything currently queued into batch without blocking.
func (b *Batcher[T]) drain(batch []T) []T {
	for {
		select {
		case item := <-b.in:
			batch = append(batch, item)
		default:
			return batch
		}
	}
}

// commit hands batch to the flush function and returns the emptied slice.
func (b *Batcher[T]) commit(batch []T) ([]T, error) {
	defer b.adapt()
	if len(batch) == 0 {
		return batch, nil
	}

	atomic.AddUint64(&b.stats.BatchTotal, 1)
	atomic.AddUint64(&b.stats.ItemTotal, uint64(len(batch)))
	err := b.flush(batch)
	if err != nil {
		atomic.AddUint64(&b.stats.ErrorTotal, 1)
	}

	var zero T
	for i := range batch {
		batch[i] = zero
	}
	return batch[:0], err
}

// adapt recomputes the target from the peak number of concurrent producers
// seen since the previous batch.
func (b *Batcher[T]) adapt() {
	if !b.policy.Adaptive {
		return
	}
	peak := b.peak.Swap(b.producers.Load())
	target := peak * itemsPerProducer
	if target < 1 {
		target = 1
	}
	if max := int64(b.policy.Size); target > max {
		target = max
	}
	b.target.Store(target)
}
