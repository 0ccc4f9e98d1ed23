package storage

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Record is a single key with its value and placement metadata.
// Weight approximates importance/access frequency and feeds routing and
// migration decisions.
type Record struct {
	Key          string
	Value        []byte
	ShardID      int
	Weight       float64
	Sequence     uint64    // WAL sequence of the write that produced this record
	LastAccessed time.Time // Last read or write
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Value = cloneBytes(r.Value)
	return r
}

// Store defines the interface for key-value storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a record by key and marks it as accessed
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) (Record, error)

	// Peek retrieves a record without touching its access time
	Peek(key string) (Record, error)

	// Put stores a record under rec.Key
	// Overwrites any existing record for the key
	Put(rec Record) error

	// Delete removes a key and returns the removed record
	// Returns ErrKeyNotFound if the key doesn't exist
	Delete(key string) (Record, error)

	// List returns all keys in the store
	// Order is not guaranteed
	List() []string

	// Range calls fn for each record until fn returns false
	Range(fn func(Record) bool)

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// entry is the value held in the map. The record is immutable once stored;
// only the access time changes, atomically, so reads never take a lock.
type entry struct {
	rec      Record
	accessed atomic.Int64
}

func newEntry(rec Record) *entry {
	e := &entry{rec: rec}
	e.accessed.Store(rec.LastAccessed.UnixNano())
	return e
}

func (e *entry) record() Record {
	rec := e.rec.Clone()
	rec.LastAccessed = time.Unix(0, e.accessed.Load())
	return rec
}

// MemoryStore implements Store interface with in-memory storage
// Uses a lock-free xsync.MapOf so readers never block writers
type MemoryStore struct {
	data  *xsync.MapOf[string, *entry]
	keys  atomic.Int64
	bytes atomic.Int64
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that stamps access times using now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		data: xsync.NewMapOf[string, *entry](),
		now:  now,
	}
}

// Get retrieves a record by key
// Returns a copy of the record to prevent external modification
func (m *MemoryStore) Get(key string) (Record, error) {
	e, ok := m.data.Load(key)
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	e.accessed.Store(m.now().UnixNano())
	return e.record(), nil
}

// Peek retrieves a record without updating its access time
func (m *MemoryStore) Peek(key string) (Record, error) {
	e, ok := m.data.Load(key)
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	return e.record(), nil
}

// Touch updates the access time of key if present
func (m *MemoryStore) Touch(key string) {
	if e, ok := m.data.Load(key); ok {
		e.accessed.Store(m.now().UnixNano())
	}
}

// Put stores a record
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(rec Record) error {
	rec = rec.Clone()
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = m.now()
	}
	next := newEntry(rec)

	m.data.Compute(rec.Key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			m.bytes.Add(int64(len(rec.Value) - len(old.rec.Value)))
		} else {
			m.keys.Add(1)
			m.bytes.Add(int64(len(rec.Value)))
		}
		return next, false
	})
	return nil
}

// Delete removes a key-value pair
// Returns ErrKeyNotFound if the key doesn't exist
func (m *MemoryStore) Delete(key string) (Record, error) {
	var removed *entry
	m.data.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			removed = old
			m.keys.Add(-1)
			m.bytes.Add(-int64(len(old.rec.Value)))
		}
		return nil, true
	})
	if removed == nil {
		return Record{}, ErrKeyNotFound
	}
	return removed.record(), nil
}

// List returns all keys in the store
// Returns a copy of the keys to prevent external modification
func (m *MemoryStore) List() []string {
	keys := make([]string, 0, m.data.Size())
	m.data.Range(func(key string, _ *entry) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Range calls fn with a copy of each record
func (m *MemoryStore) Range(fn func(Record) bool) {
	m.data.Range(func(_ string, e *entry) bool {
		return fn(e.record())
	})
}

// Stats returns storage statistics
// Counters are maintained on write so this never scans the map
func (m *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Keys:  int(m.keys.Load()),
		Bytes: int(m.bytes.Load()),
	}
}

// Clear removes every record
func (m *MemoryStore) Clear() {
	m.data.Range(func(key string, _ *entry) bool {
		_, _ = m.Delete(key)
		return true
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
