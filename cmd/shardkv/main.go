// Command shardkv runs and inspects a sharded in-memory key-value engine.
//
// Usage:
//
//	shardkv serve --data-dir /var/lib/shardkv --listen :7070
//	shardkv recover --data-dir /var/lib/shardkv
//	shardkv inspect-wal /var/lib/shardkv/shard-00003.wal
//	shardkv stats --addr 127.0.0.1:7070
//	shardkv flush --addr 127.0.0.1:7070 --shard 3
//
// Every engine option may also be given in a TOML file (--config) or as an
// environment variable prefixed with SHARDKV_, e.g. SHARDKV_SHARD_COUNT=32.
// Flags win over the environment, which wins over the file.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
