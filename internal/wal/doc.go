// Package wal implements the per-shard write-ahead log.
//
// Each shard owns one append-only file named shard-NNNNN.wal. Appends are
// queued on a batcher and written by a single consumer as batch frames:
//
//	┌──────────────┬────────────────┬─────────────┬───────┬─────────────┐
//	│ count u32    │ timestamp u64  │ len u32     │ entry │ len u32 ... │
//	└──────────────┴────────────────┴─────────────┴───────┴─────────────┘
//
// Every entry carries its own CRC-32 and codec byte:
//
//	[crc32 u32][codec u8][seq u64][op u8][shard u32][ts i64][weight f64]
//	[klen u32][key][vlen u32][value]
//
// With the snappy codec everything after the codec byte is snappy-encoded.
// All integers are little endian.
//
// Three sync strategies are supported. Immediate writes and syncs inside
// Append. Batch flushes at a size or interval threshold. Adaptive uses a
// shorter interval and grows the batch with the number of writers.
//
// A write or sync failure never fails the in-memory mutation. The WAL logs
// it, reports it to the telemetry observer and marks itself degraded until
// the next successful batch.
//
// Recovery scans forward. An entry that fails its checksum is skipped and
// counted; a batch cut short by a crash ends the scan and the file is
// truncated back to the end of the last complete batch.
package wal
