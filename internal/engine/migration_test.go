package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/wal"
)

func fill(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.Put(context.Background(), fmt.Sprintf("key-%04d", i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
}

func assertAllReadable(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		v, err := e.Get(context.Background(), fmt.Sprintf("key-%04d", i))
		require.NoError(t, err, "key-%04d", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}
}

func TestRebalanceSkewedEngine(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	fill(t, e, 1000)

	before := e.Monitor().Sample()
	assert.Equal(t, []uint64{1000, 0, 0, 0}, before.Counts)
	assert.Equal(t, 0.0, before.Entropy)

	ran, err := e.Monitor().MaybeRebalance(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	after := e.Monitor().Sample()
	assert.Greater(t, after.Entropy, before.Entropy)
	assert.GreaterOrEqual(t, after.Entropy, 0.75)

	// Every moved key has a permanent redirect off its hash shard.
	moved := int(1000 - after.Counts[0])
	assert.Equal(t, moved, e.Router().Redirects().Len())
	e.Router().Redirects().Range(func(key string, rd coordinator.Redirect) bool {
		assert.Equal(t, coordinator.RedirectPermanent, rd.State, key)
		assert.NotEqual(t, 0, rd.To, key)
		return true
	})

	assertAllReadable(t, e, 1000)
}

func TestWritesAfterMigrationFollowRedirect(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	ctx := context.Background()
	fill(t, e, 100)

	moved, err := e.MigrateKeys(ctx, 0, 3, []string{"key-0007"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	res, err := e.Put(ctx, "key-0007", []byte("updated"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ShardID)
	assert.Equal(t, []uint64{99, 0, 0, 1}, e.ShardCounts())

	v, err := e.Get(ctx, "key-0007")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), v)

	// Moving it home drops the redirect.
	moved, err = e.MigrateKeys(ctx, 3, 0, []string{"key-0007"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, e.Router().Redirects().Len())
	v, err = e.Get(ctx, "key-0007")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), v)
}

func TestMigrateKeysSkipsForeignKeys(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	ctx := context.Background()
	fill(t, e, 10)

	moved, err := e.MigrateKeys(ctx, 0, 1, []string{"key-0001", "missing", "key-0001"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// key-0001 now lives on 1, so a stale request naming 0 as source is ignored.
	moved, err = e.MigrateKeys(ctx, 0, 2, []string{"key-0001"})
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = e.MigrateKeys(ctx, 1, 1, []string{"key-0001"})
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestMigrationFailureLeavesSourceAuthoritative(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	ctx := context.Background()
	fill(t, e, 10)

	_, err := e.MigrateKeys(ctx, 0, 17, []string{"key-0001"})
	assert.ErrorIs(t, err, ErrShardUnavailable)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	moved, err := e.MigrateKeys(cancelled, 0, 1, []string{"key-0002"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, moved)

	assert.Equal(t, []uint64{10, 0, 0, 0}, e.ShardCounts())
	assert.Equal(t, 0, e.Router().Redirects().Len())
	assertAllReadable(t, e, 10)

	s, ok := e.shards.Load(0)
	require.True(t, ok)
	assert.Equal(t, shard.ShardStateActive, s.GetState())
}

func TestMigrationRolledBackWhenDestinationFlushFails(t *testing.T) {
	cfg := durableConfig(t)
	cfg.FsyncStrategy = config.FsyncBatch
	cfg.BatchSize = 1000
	e := openEngine(t, cfg, WithClock(clock.NewMock()), pinned(0))
	ctx := context.Background()
	fill(t, e, 10)

	// A closed log accepts nothing and fails every flush.
	w, ok := e.wals.Load(2)
	require.True(t, ok)
	require.NoError(t, w.Close())

	moved, err := e.MigrateKeys(ctx, 0, 2, []string{"key-0001", "key-0002", "key-0003"})
	assert.ErrorIs(t, err, wal.ErrClosed)
	assert.Zero(t, moved)

	assert.Equal(t, []uint64{10, 0, 0, 0}, e.ShardCounts())
	assert.Equal(t, 0, e.Router().Redirects().Len())
	assertAllReadable(t, e, 10)
}

func TestMigrationKeepsSourceWrittenAfterCopy(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	ctx := context.Background()
	fill(t, e, 3)

	from, ok := e.shards.Load(0)
	require.True(t, ok)
	to, err := e.shardFor(1)
	require.NoError(t, err)

	m, ok, err := e.copyKey("key-0001", from, to)
	require.NoError(t, err)
	require.True(t, ok)

	// Deleted and written again between the copy and the source delete.
	_, err = e.Delete(ctx, "key-0001")
	require.NoError(t, err)
	_, err = e.Put(ctx, "key-0001", []byte("again"))
	require.NoError(t, err)

	e.dropSource(e.logger, m, from)
	v, err := e.Get(ctx, "key-0001")
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), v)
	assert.Equal(t, []uint64{3, 0, 0, 0}, e.ShardCounts())
}

func TestSelectKeysColdestFirst(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	fill(t, e, 5)

	keys := e.SelectKeys(0, 3)
	assert.Len(t, keys, 3)
	assert.Nil(t, e.SelectKeys(2, 3), "never created")
}

func TestReadsDuringRebalance(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	const n = 2000
	fill(t, e, n)

	ctx, cancel := context.WithCancel(context.Background())
	var misses atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := r; ctx.Err() == nil; i = (i + 7) % n {
				if _, err := e.Get(context.Background(), fmt.Sprintf("key-%04d", i)); err != nil {
					misses.Add(1)
				}
			}
		}(r)
	}

	_, err := e.Monitor().MaybeRebalance(context.Background())
	cancel()
	wg.Wait()
	require.NoError(t, err)

	assert.Zero(t, misses.Load(), "a key was invisible while it moved")
	assertAllReadable(t, e, n)
}

func TestWritesDuringRebalance(t *testing.T) {
	e := openEngine(t, testConfig(), pinned(0))
	const n = 1000
	fill(t, e, n)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var last sync.Map
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := 0; ctx.Err() == nil; round++ {
				i := w*(n/4) + round%(n/4)
				key := fmt.Sprintf("key-%04d", i)
				val := fmt.Sprintf("w%d-r%d", w, round)
				if _, err := e.Put(context.Background(), key, []byte(val)); err == nil {
					last.Store(key, val)
				}
			}
		}(w)
	}

	_, err := e.Monitor().MaybeRebalance(context.Background())
	cancel()
	wg.Wait()
	require.NoError(t, err)

	// Each key exists on exactly one shard and holds its last write.
	var total uint64
	for _, c := range e.ShardCounts() {
		total += c
	}
	assert.Equal(t, uint64(n), total)
	last.Range(func(k, v any) bool {
		got, err := e.Get(context.Background(), k.(string))
		require.NoError(t, err)
		assert.Equal(t, v.(string), string(got))
		return true
	})
}
