package shard

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wal"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateMigrating means keys are being moved out of the shard
	ShardStateMigrating ShardState = "migrating"
	// ShardStateDeleted means the shard is marked for deletion
	ShardStateDeleted ShardState = "deleted"
)

// Log receives every mutation applied to a shard, in apply order.
// *wal.WAL implements it.
type Log interface {
	Append(e wal.Entry) error
}

// Shard represents a data partition of the engine
// Each shard owns a portion of the keyspace and manages its own storage
type Shard struct {
	ID    int                  // Unique shard identifier
	Store *storage.MemoryStore // The storage backend for this shard
	State ShardState           // Current shard state
	Stats *ShardStats          // Operation statistics
	mu    sync.RWMutex         // Protects state changes

	// writeMu serializes sequence assignment, the map mutation and the log
	// append so that log order is apply order. Reads never take it.
	writeMu sync.Mutex
	seq     atomic.Uint64

	log    Log
	logger *zap.Logger
	clock  clock.Clock
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 // Number of get operations
	Puts    uint64 // Number of put operations
	Deletes uint64 // Number of delete operations
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID       int        `json:"id"`
	State    ShardState `json:"state"`
	KeyCount int        `json:"key_count"`
	ByteSize int        `json:"byte_size"`
	Sequence uint64     `json:"sequence"`
	Degraded bool       `json:"wal_degraded"`
}

// Option configures a Shard.
type Option func(*Shard)

// WithLog attaches a write-ahead log to the shard.
func WithLog(l Log) Option {
	return func(s *Shard) { s.log = l }
}

// WithLogger sets the logger used to report log failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Shard) { s.logger = l }
}

// WithClock sets the clock used for record timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Shard) { s.clock = c }
}

// NewShard creates a new shard with in-memory storage
func NewShard(id int, opts ...Option) *Shard {
	s := &Shard{
		ID:     id,
		State:  ShardStateActive,
		Stats:  &ShardStats{},
		logger: zap.NewNop(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.Int("shard", id))
	s.Store = storage.NewMemoryStoreWithClock(s.clock.Now)
	return s
}

// Get retrieves a value from the shard
// Increments get counter for statistics
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	rec, err := s.Store.Get(key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Record returns the full record for key without touching its access time
func (s *Shard) Record(key string) (storage.Record, error) {
	return s.Store.Peek(key)
}

// Has reports whether key is present
func (s *Shard) Has(key string) bool {
	_, err := s.Store.Peek(key)
	return err == nil
}

// Touch marks key as accessed
func (s *Shard) Touch(key string) {
	s.Store.Touch(key)
}

// Put stores a value in the shard and returns the sequence assigned to the write
// Increments put counter for statistics
func (s *Shard) Put(key string, value []byte, weight float64) (uint64, error) {
	return s.PutRecord(storage.Record{Key: key, Value: value, Weight: weight})
}

// PutRecord stores rec under a new sequence number. A zero LastAccessed is
// set to the current time.
func (s *Shard) PutRecord(rec storage.Record) (uint64, error) {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	rec.Value = bytes.Clone(rec.Value)
	if rec.Value == nil {
		rec.Value = []byte{}
	}
	rec.ShardID = s.ID

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now()
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = now
	}
	rec.Sequence = s.seq.Add(1)
	if err := s.Store.Put(rec); err != nil {
		s.seq.Add(^uint64(0))
		return 0, err
	}

	s.append(wal.Entry{
		Sequence:  rec.Sequence,
		Op:        wal.OpPut,
		Key:       rec.Key,
		Value:     rec.Value,
		Weight:    rec.Weight,
		ShardID:   s.ID,
		Timestamp: now,
	})
	return rec.Sequence, nil
}

// Delete removes a key from the shard and returns its last value
// Returns storage.ErrKeyNotFound without logging anything if the key is absent
func (s *Shard) Delete(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.Store.Delete(key)
	if err != nil {
		return nil, err
	}

	s.append(wal.Entry{
		Sequence:  s.seq.Add(1),
		Op:        wal.OpDelete,
		Key:       key,
		ShardID:   s.ID,
		Timestamp: s.clock.Now(),
	})
	return rec.Value, nil
}

// append hands e to the log. A failure is logged and otherwise ignored; the
// in-memory mutation stands.
func (s *Shard) append(e wal.Entry) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(e); err != nil {
		s.logger.Warn("WAL append failed",
			zap.String("op", e.Op.String()),
			zap.Uint64("seq", e.Sequence),
			zap.Error(err))
	}
}

// Apply replays a logged entry without assigning a new sequence. The
// sequence counter advances to at least e.Sequence.
func (s *Shard) Apply(e wal.Entry) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	switch e.Op {
	case wal.OpPut:
		_ = s.Store.Put(storage.Record{
			Key:          e.Key,
			Value:        e.Value,
			ShardID:      s.ID,
			Weight:       e.Weight,
			Sequence:     e.Sequence,
			LastAccessed: e.Timestamp,
		})
	case wal.OpDelete:
		_, _ = s.Store.Delete(e.Key)
	}
	if e.Sequence > s.seq.Load() {
		s.seq.Store(e.Sequence)
	}
}

// Sequence returns the last sequence assigned by the shard
func (s *Shard) Sequence() uint64 {
	return s.seq.Load()
}

// SelectOrder chooses how Records orders its result
type SelectOrder int

const (
	// ColdestFirst orders by last access time, oldest first
	ColdestFirst SelectOrder = iota
	// LightestFirst orders by weight, lowest first
	LightestFirst
)

// Records returns up to limit records in the given order. Ties are broken
// by key so the result is deterministic.
func (s *Shard) Records(limit int, order SelectOrder) []storage.Record {
	if limit <= 0 {
		return nil
	}
	recs := make([]storage.Record, 0, s.Store.Stats().Keys)
	s.Store.Range(func(rec storage.Record) bool {
		recs = append(recs, rec)
		return true
	})

	slices.SortFunc(recs, func(a, b storage.Record) int {
		switch order {
		case LightestFirst:
			if a.Weight != b.Weight {
				if a.Weight < b.Weight {
					return -1
				}
				return 1
			}
		default:
			if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
				return c
			}
		}
		return strings.Compare(a.Key, b.Key)
	})

	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// ListKeys returns all keys in the shard
func (s *Shard) ListKeys() []string {
	return s.Store.List()
}

// ShardForKey maps key onto one of numShards shards with xxhash.
func ShardForKey(key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(numShards))
}

// OwnsKey determines if this shard is the hash home of a given key
func (s *Shard) OwnsKey(key string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	return ShardForKey(key, numShards) == s.ID
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	storageStats := s.Store.Stats()
	info := ShardInfo{
		ID:       s.ID,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
		Sequence: s.Sequence(),
	}
	if d, ok := s.log.(interface{ Degraded() bool }); ok {
		info.Degraded = d.Degraded()
	}
	return info
}

// GetState returns the shard state
func (s *Shard) GetState() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// ListKeysInRange returns all keys in the lexicographic range [start, end)
// The end key is exclusive
func (s *Shard) ListKeysInRange(start, end string) []string {
	var keysInRange []string
	for _, key := range s.Store.List() {
		if key >= start && key < end {
			keysInRange = append(keysInRange, key)
		}
	}

	// Sort keys for consistent ordering
	slices.Sort(keysInRange)
	return keysInRange
}

// DeleteRange deletes all keys in the lexicographic range [start, end)
// Returns the number of keys deleted
func (s *Shard) DeleteRange(start, end string) int {
	n := 0
	for _, key := range s.ListKeysInRange(start, end) {
		if _, err := s.Delete(key); err == nil {
			n++
		}
	}
	return n
}
