// Package shard implements the storage unit of the engine: a self-contained,
// thread-safe partition that owns a subset of the key space and logs every
// mutation to its own write-ahead log.
//
// # Overview
//
// Keys are assigned to shards by hashing (xxhash modulo the shard count)
// unless the router placed them elsewhere. Each shard keeps its records in a
// lock-free map and numbers its writes with a gap-free sequence.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│                 SHARD                   │
//	├─────────────────────────────────────────┤
//	│  ┌───────────────────────────────────┐  │
//	│  │ MemoryStore (xsync.MapOf)         │  │
//	│  │  key -> Record{value, weight,     │  │
//	│  │          seq, last accessed}      │  │
//	│  └───────────────────────────────────┘  │
//	│                   ▲                     │
//	│        writeMu    │  Put / Delete       │
//	│  ┌────────────────┴──────────────────┐  │
//	│  │ seq++ → map mutation → Log.Append │  │
//	│  └───────────────────────────────────┘  │
//	│                   │                     │
//	│                   ▼                     │
//	│  ┌───────────────────────────────────┐  │
//	│  │ WAL (batched, per shard)          │  │
//	│  └───────────────────────────────────┘  │
//	└─────────────────────────────────────────┘
//
// # Concurrency Model
//
// Reads go straight to the map and never block. Writes on one shard are
// serialized by writeMu, which covers sequence assignment, the map mutation
// and the log append, so the log holds entries in the order they were
// applied. Writes on different shards do not contend.
//
// Operation counters are atomics and can be read at any time without a lock.
//
// # Durability
//
// A log failure does not fail the write. The shard logs a warning and the
// WAL reports itself degraded; the in-memory state stays authoritative.
//
// On restart the engine replays the log through Apply, which installs each
// entry under its original sequence and moves the shard's counter forward.
//
// # Migration Support
//
// Records returns the coldest or lightest records first so the load monitor
// can pick cheap keys to move. PutRecord copies a record, weight and access
// time included, into a destination shard under a fresh sequence.
//
// # Usage Example
//
//	s := shard.NewShard(0, shard.WithLog(w))
//
//	seq, err := s.Put("user:123", []byte(`{"name":"Alice"}`), 1.0)
//	if err != nil {
//	    return err
//	}
//
//	value, err := s.Get("user:123")
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    // not here
//	}
//
//	old, err := s.Delete("user:123")
//
// # See Also
//
//   - internal/storage: record store
//   - internal/wal: write-ahead log
//   - internal/engine: shard table, routing and migration
package shard
