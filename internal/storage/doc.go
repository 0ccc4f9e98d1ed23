// Package storage holds the in-memory record store that backs every shard.
//
// # Overview
//
// A Store maps string keys to Records. Each shard owns exactly one Store and
// is the only writer to it; the Store itself is safe for concurrent use so
// that readers never have to coordinate with the shard's writer.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            MemoryStore              │
//	├─────────────────────────────────────┤
//	│  data:  xsync.MapOf[key]*entry      │
//	│  keys:  atomic counter              │
//	│  bytes: atomic counter              │
//	├─────────────────────────────────────┤
//	│  entry: immutable Record +          │
//	│         atomic access timestamp     │
//	└─────────────────────────────────────┘
//
// Records are never mutated in place. A Put replaces the entry pointer, so a
// concurrent reader sees either the old or the new record, never a mix. The
// access time is the only mutable field and is an atomic so Get stays
// lock-free.
//
// # Statistics
//
// Key and byte counts are maintained inside the map's compute callback, which
// makes Stats O(1). The load monitor samples these counters every cycle
// without taking any shard lock.
//
// # Copy Semantics
//
// Values are copied on the way in and on the way out. Callers may reuse their
// buffers freely.
package storage
