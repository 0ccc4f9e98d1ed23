package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sink records every batch it is handed.
type sink struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (s *sink) flush(batch []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]int(nil), batch...))
	return s.err
}

func (s *sink) items() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestBatcher_SizeTrigger(t *testing.T) {
	s := &sink{}
	b := New[int](Policy{Size: 3, Interval: time.Hour}, s.flush, WithClock(clock.NewMock()))
	defer b.Close()

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Add(i))
	}

	require.Eventually(t, func() bool { return s.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, s.items())
	assert.Equal(t, uint64(2), b.Stats().SizeTotal)
}

func TestBatcher_IntervalTrigger(t *testing.T) {
	mock := clock.NewMock()
	s := &sink{}
	b := New[int](Policy{Size: 100, Interval: 10 * time.Millisecond}, s.flush, WithClock(mock))
	defer b.Close()

	// Round-trip through the consumer so its ticker exists before time moves.
	require.NoError(t, b.Flush(context.Background()))

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	assert.Equal(t, 0, s.count())

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Millisecond)
		return s.count() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2}, s.items())
	assert.GreaterOrEqual(t, b.Stats().TimeoutTotal, uint64(1))
}

func TestBatcher_Flush(t *testing.T) {
	s := &sink{}
	b := New[int](Policy{Size: 100, Interval: time.Hour}, s.flush, WithClock(clock.NewMock()))
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Add(i))
	}
	require.NoError(t, b.Flush(context.Background()))

	// Everything added before Flush must be written when it returns.
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s.items())
	assert.Equal(t, uint64(1), b.Stats().ForcedTotal)

	// An empty flush does not call the flush function.
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestBatcher_FlushError(t *testing.T) {
	s := &sink{err: errors.New("disk full")}
	b := New[int](Policy{Size: 100, Interval: time.Hour}, s.flush, WithClock(clock.NewMock()))
	defer b.Close()

	require.NoError(t, b.Add(1))
	err := b.Flush(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, uint64(1), b.Stats().ErrorTotal)
}

func TestBatcher_FlushTimeout(t *testing.T) {
	release := make(chan struct{})
	b := New[int](Policy{Size: 1, Interval: time.Hour}, func([]int) error {
		<-release
		return nil
	}, WithClock(clock.NewMock()))
	defer b.Close()
	defer close(release)

	// The consumer is stuck writing the first item.
	require.NoError(t, b.Add(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatcher_Close(t *testing.T) {
	s := &sink{}
	b := New[int](Policy{Size: 100, Interval: time.Hour}, s.flush, WithClock(clock.NewMock()))

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Close())

	assert.Equal(t, []int{1, 2}, s.items())
	assert.ErrorIs(t, b.Add(3), ErrClosed)
	assert.ErrorIs(t, b.Flush(context.Background()), ErrClosed)

	// Close is idempotent.
	assert.NoError(t, b.Close())
}

func TestBatcher_ConcurrentProducers(t *testing.T) {
	s := &sink{}
	b := New[int](Policy{Size: 64, Interval: time.Millisecond, Adaptive: true}, s.flush)

	const producers = 16
	const perProducer = 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = b.Add(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, b.Close())

	items := s.items()
	assert.Len(t, items, producers*perProducer)

	seen := make(map[int]bool, len(items))
	for _, it := range items {
		assert.False(t, seen[it], "item %d flushed twice", it)
		seen[it] = true
	}
}

func TestBatcher_AdaptiveTarget(t *testing.T) {
	s := &sink{}
	b := New[int](Policy{Size: 32, Interval: time.Hour, Adaptive: true}, s.flush, WithClock(clock.NewMock()))
	defer b.Close()

	assert.Equal(t, 1, b.Target())

	// A single sequential producer settles on one producer's worth of items.
	require.NoError(t, b.Add(1))
	require.Eventually(t, func() bool { return b.Target() == itemsPerProducer }, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.count())

	// The cap holds however many producers were observed.
	b.peak.Store(100)
	b.adapt()
	assert.Equal(t, 32, b.Target())
}
