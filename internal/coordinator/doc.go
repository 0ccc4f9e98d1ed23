// Package coordinator implements the placement layer of the engine: it
// decides which shard a key lives on and keeps the shards balanced.
//
// # Overview
//
// The coordinator is the control plane of a single engine process. It does
// not hold data; it answers "where does this key go" and "which keys should
// move" and leaves the moving itself to the engine through the Migrator
// interface.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  ┌────────────────────────────────────┐  │
//	│  │ ShardRouter                        │  │
//	│  │  - xxhash(key) % n                 │  │
//	│  │  - affinity scoring on hints       │  │
//	│  │  - capacity factors per shard      │  │
//	│  └───────────────┬────────────────────┘  │
//	│                  │                       │
//	│  ┌───────────────▼────────────────────┐  │
//	│  │ RedirectTable                      │  │
//	│  │  - key -> {from, to, state}        │  │
//	│  │  - in-flight while copying         │  │
//	│  │  - permanent once moved            │  │
//	│  └───────────────▲────────────────────┘  │
//	│                  │                       │
//	│  ┌───────────────┴────────────────────┐  │
//	│  │ LoadMonitor                        │  │
//	│  │  - entropy of shard occupancy      │  │
//	│  │  - stable/triggered/migrating      │  │
//	│  │  - rate limited key migration      │  │
//	│  └────────────────────────────────────┘  │
//	└──────────────────────────────────────────┘
//
// # Routing
//
// A key without a hint always goes to its hash shard:
//
//	shard = xxhash(key) % shard_count
//
// A write with RouteOptions scores its hash shard and the two neighbours on
// the ring, so heavy or related keys can be kept together without giving up
// determinism for everything else. A key placed off its hash shard gets a
// permanent redirect so reads can find it.
//
// The shard count is fixed when the router is created. Changing it would
// move almost every key and is not supported at runtime.
//
// # Migration Protocol
//
// For each key the engine, holding that key's write lock:
//
//  1. publishes an in-flight redirect (src → dst)
//  2. copies the record to dst, logged on dst's WAL
//  3. makes the redirect permanent, or drops it if dst is the hash shard
//  4. deletes the key from src, logged on src's WAL
//
// Readers do not take the lock. During step 1 to 3 they check src then dst;
// after step 3 they read dst. At no point is the key absent from both. A
// failure before step 3 aborts the redirect and leaves src authoritative.
//
// # Rebalancing
//
// The LoadMonitor samples per-shard key counts on a ticker and computes the
// normalized Shannon entropy. Below the threshold (0.75 by default) it moves
// keys from the fullest to the emptiest shard, coldest first, at most
// min(batch, gap/2) per pass, throttled by a token bucket. After each
// rebalance the router's capacity factors are set to 1 minus each shard's
// share of the keys.
//
// # Telemetry
//
// Every sample emits an EntropySample event. Each rebalance emits a
// MigrationStart and a MigrationStop event sharing a UUID migration id.
//
// # See Also
//
//   - internal/engine: Migrator implementation and the read/write paths
//   - internal/telemetry: event definitions
package coordinator
