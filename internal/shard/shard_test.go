package shard

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wal"
)

// memLog records appended entries and optionally fails.
type memLog struct {
	mu      sync.Mutex
	entries []wal.Entry
	err     error
}

func (l *memLog) Append(e wal.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err != nil
}

func (l *memLog) snapshot() []wal.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]wal.Entry(nil), l.entries...)
}


func TestNewShard(t *testing.T) {
	for _, id := range []int{0, 1, 999999} {
		t.Run(fmt.Sprintf("id %d", id), func(t *testing.T) {
			s := NewShard(id)
			require.NotNil(t, s)
			assert.Equal(t, id, s.ID)
			assert.NotNil(t, s.Store)
			assert.NotNil(t, s.Stats)
			assert.Zero(t, s.Sequence())
			assert.Equal(t, ShardStateActive, s.GetState())
		})
	}
}

func TestShard_PutGetDelete(t *testing.T) {
	log := &memLog{}
	s := NewShard(0, WithLog(log))

	seq, err := s.Put("user:1", []byte("alice"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	got, err := s.Get("user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), got)

	old, err := s.Delete("user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), old)

	_, err = s.Get("user:1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	// A miss does not consume a sequence or reach the log.
	_, err = s.Delete("user:1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	assert.Equal(t, uint64(2), s.Sequence())
	assert.Len(t, log.snapshot(), 2)
}

func TestShard_PutCopiesValue(t *testing.T) {
	s := NewShard(0)
	v := []byte("value1")
	_, err := s.Put("k", v, 1)
	require.NoError(t, err)
	v[0] = 'X'

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "value1", string(got))
}

func TestShard_ListKeys(t *testing.T) {
	s := NewShard(0)
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put(k, []byte(k), 1)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, s.ListKeys())
}


func TestShardLogOrder(t *testing.T) {
	log := &memLog{}
	shard := NewShard(3, WithLog(log))

	const writers = 8
	const perWriter = 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("k-%d", i%10)
				if i%3 == 2 {
					_, _ = shard.Delete(key)
					continue
				}
				_, _ = shard.Put(key, []byte(fmt.Sprintf("%d-%d", w, i)), 1)
			}
		}(w)
	}
	wg.Wait()

	entries := log.snapshot()
	require.NotEmpty(t, entries)
	// Sequences in the log are gap-free and strictly increasing.
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, 3, e.ShardID)
	}
	assert.Equal(t, uint64(len(entries)), shard.Sequence())

	// Replaying the log reproduces the shard.
	replay := NewShard(3)
	for _, e := range entries {
		replay.Apply(e)
	}
	assert.ElementsMatch(t, shard.ListKeys(), replay.ListKeys())
	for _, k := range shard.ListKeys() {
		want, _ := shard.Get(k)
		got, err := replay.Get(k)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, shard.Sequence(), replay.Sequence())
}

func TestShardLogFailureKeepsWrite(t *testing.T) {
	log := &memLog{err: errors.New("disk full")}
	shard := NewShard(0, WithLog(log))

	seq, err := shard.Put("k", []byte("v"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	got, err := shard.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, shard.Info().Degraded)
}

func TestShardApply(t *testing.T) {
	shard := NewShard(1)
	ts := time.Unix(100, 0)

	shard.Apply(wal.Entry{Sequence: 5, Op: wal.OpPut, Key: "a", Value: []byte("1"), Weight: 0.3, Timestamp: ts})
	shard.Apply(wal.Entry{Sequence: 2, Op: wal.OpPut, Key: "b", Value: []byte("2"), Timestamp: ts})
	shard.Apply(wal.Entry{Sequence: 7, Op: wal.OpDelete, Key: "b", Timestamp: ts})
	shard.Apply(wal.Entry{Sequence: 8, Op: wal.OpDelete, Key: "never-existed", Timestamp: ts})

	rec, err := shard.Record("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Sequence)
	assert.Equal(t, 0.3, rec.Weight)
	assert.True(t, rec.LastAccessed.Equal(ts))
	assert.False(t, shard.Has("b"))

	// The next write continues after the highest replayed sequence.
	assert.Equal(t, uint64(8), shard.Sequence())
	seq, _ := shard.Put("c", nil, 1)
	assert.Equal(t, uint64(9), seq)
}

func TestShardRecords(t *testing.T) {
	mock := clock.NewMock()
	shard := NewShard(0, WithClock(mock))

	_, _ = shard.Put("hot", []byte("1"), 0.9)
	mock.Add(time.Second)
	_, _ = shard.Put("warm", []byte("2"), 0.1)
	mock.Add(time.Second)
	_, _ = shard.Put("cold", []byte("3"), 0.5)

	// Reading "hot" last makes it the most recently accessed.
	mock.Add(time.Second)
	_, _ = shard.Get("hot")

	keys := func(recs []storage.Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.Key
		}
		return out
	}

	assert.Equal(t, []string{"warm", "cold", "hot"}, keys(shard.Records(10, ColdestFirst)))
	assert.Equal(t, []string{"warm", "cold"}, keys(shard.Records(2, LightestFirst)))
	assert.Empty(t, shard.Records(0, ColdestFirst))
}

func TestShardPutRecord(t *testing.T) {
	ts := time.Unix(42, 0)
	log := &memLog{}
	shard := NewShard(4, WithLog(log))

	seq, err := shard.PutRecord(storage.Record{Key: "k", Value: []byte("v"), ShardID: 1, Weight: 0.7, LastAccessed: ts})
	require.NoError(t, err)

	rec, err := shard.Record("k")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.ShardID)
	assert.Equal(t, 0.7, rec.Weight)
	assert.Equal(t, seq, rec.Sequence)
	assert.True(t, rec.LastAccessed.Equal(ts))

	entries := log.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, wal.OpPut, entries[0].Op)
	assert.Equal(t, 0.7, entries[0].Weight)
}

func TestShard_OwnsKey(t *testing.T) {
	home := ShardForKey("session:9", 4)

	tests := []struct {
		name   string
		id     int
		shards int
		want   bool
	}{
		{name: "hash shard", id: home, shards: 4, want: true},
		{name: "other shard", id: (home + 1) % 4, shards: 4, want: false},
		{name: "single shard", id: 0, shards: 1, want: true},
		{name: "no shards", id: 0, shards: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewShard(tt.id).OwnsKey("session:9", tt.shards))
		})
	}
}

func TestShard_Stats(t *testing.T) {
	s := NewShard(0)
	assert.Zero(t, s.GetStats().Ops)

	_, _ = s.Put("a", []byte("xx"), 1)
	_, _ = s.Put("b", []byte("yyy"), 1)
	_, _ = s.Put("c", []byte("zzzz"), 1)
	_, _ = s.Get("a")
	_, _ = s.Get("missing")
	_, _ = s.Delete("c")

	stats := s.GetStats()
	assert.Equal(t, uint64(3), stats.Ops.Puts)
	assert.Equal(t, uint64(2), stats.Ops.Gets)
	assert.Equal(t, uint64(1), stats.Ops.Deletes)
	assert.Equal(t, 2, stats.Storage.Keys)
	assert.Equal(t, 2+3, stats.Storage.Bytes)
}

func TestShard_Info(t *testing.T) {
	s := NewShard(42)
	_, _ = s.Put("a", []byte("1"), 1)
	_, _ = s.Put("b", []byte("2"), 1)

	info := s.Info()
	assert.Equal(t, 42, info.ID)
	assert.Equal(t, ShardStateActive, info.State)
	assert.Equal(t, 2, info.KeyCount)
	assert.Positive(t, info.ByteSize)
	assert.Equal(t, uint64(2), info.Sequence)
	assert.False(t, info.Degraded)

	for _, st := range []ShardState{ShardStateMigrating, ShardStateDeleted, ShardStateActive} {
		s.SetState(st)
		assert.Equal(t, st, s.GetState())
		assert.Equal(t, st, s.Info().State)
	}
}

func TestShard_Ranges(t *testing.T) {
	log := &memLog{}
	s := NewShard(0, WithLog(log))
	for i := 0; i < 10; i++ {
		_, err := s.Put(fmt.Sprintf("key_%02d", i), []byte{byte(i)}, 1)
		require.NoError(t, err)
	}

	// The end of a range is exclusive.
	assert.Equal(t, []string{"key_03", "key_04", "key_05", "key_06"}, s.ListKeysInRange("key_03", "key_07"))

	assert.Equal(t, 4, s.DeleteRange("key_03", "key_07"))
	assert.Empty(t, s.ListKeysInRange("key_03", "key_07"))
	assert.Len(t, s.ListKeys(), 6)
	assert.True(t, s.Has("key_02"))
	assert.True(t, s.Has("key_07"))
	assert.Len(t, log.snapshot(), 14)
}

func TestShard_ConcurrentAccess(t *testing.T) {
	s := NewShard(0)
	const writers, perWriter = 32, 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Put(fmt.Sprintf("w%d-%d", w, i), []byte("v"), 1)
				assert.NoError(t, err)
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = s.Get(fmt.Sprintf("w%d-%d", w, i))
				if i%10 == 0 {
					s.ListKeys()
					s.GetStats()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, s.GetStats().Storage.Keys)
	assert.Equal(t, uint64(writers*perWriter), s.Sequence())
}
