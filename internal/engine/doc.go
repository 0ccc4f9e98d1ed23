// Package engine ties the shards, their write-ahead logs, the router, the
// load monitor and the correlation index into one embeddable key-value
// store.
//
// A write goes to the key's hash shard through the FastPath while no key is
// redirected. Once the load monitor has moved keys, or a caller asks for
// affinity placement with WithWeight or WithLocality, writes go through a
// coordinated path that resolves the key's redirect first. Reads never
// lock; a key in the middle of a migration is looked up on its source and
// then on its destination.
//
// Writes are visible as soon as Put returns but are durable only once their
// WAL batch is flushed, either by the fsync strategy or by ForceFlush.
//
// Example:
//
//	cfg := config.NewConfig()
//	cfg.DataDir = "/var/lib/shardkv"
//	e, err := engine.Open(cfg, engine.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//
//	res, err := e.Put(ctx, "user:1", []byte(`{"name":"a"}`))
//	v, err := e.Get(ctx, "user:1")
package engine
