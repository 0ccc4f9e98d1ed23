package engine

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/logger"
	"github.com/dreamware/shardkv/internal/shard"
)

var _ coordinator.Migrator = (*Engine)(nil)

// ShardCounts returns the number of keys held by each shard.
func (e *Engine) ShardCounts() []uint64 {
	counts := make([]uint64, e.cfg.ShardCount)
	e.shards.Range(func(id int, s *shard.Shard) bool {
		counts[id] = uint64(s.Store.Stats().Keys)
		return true
	})
	return counts
}

// SelectKeys returns up to n of the least recently accessed keys of a shard.
func (e *Engine) SelectKeys(shardID, n int) []string {
	s, ok := e.shards.Load(shardID)
	if !ok {
		return nil
	}
	recs := s.Records(n, shard.ColdestFirst)
	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys
}

// MigrateKeys moves keys from src to dst and returns how many moved. Keys
// that are no longer on src are skipped.
//
// A batch moves in three steps, so a key durable on src is durable somewhere
// at every point of a crash:
//  1. per key, under the key's lock: publish an in-flight redirect
//     src -> dst, copy the record to dst, then make the redirect permanent or
//     drop it when dst is the hash shard. The src copy stays.
//  2. flush the WAL of dst.
//  3. per key, under the key's lock: delete the src copy unless it was
//     rewritten in the meantime.
//
// Lock-free readers check src before dst while a redirect is in flight, so
// every key is visible throughout. If the flush fails, the copied keys are
// moved back and src stays authoritative. If a copy fails or ctx ends part
// way, the keys copied so far still finish the move.
func (e *Engine) MigrateKeys(ctx context.Context, src, dst int, keys []string) (int, error) {
	if src == dst {
		return 0, nil
	}
	from, ok := e.shards.Load(src)
	if !ok {
		return 0, fmt.Errorf("%w: source shard %d", ErrShardUnavailable, src)
	}
	to, err := e.shardFor(dst)
	if err != nil {
		return 0, err
	}

	from.SetState(shard.ShardStateMigrating)
	defer from.SetState(shard.ShardStateActive)

	log := logger.FromContextOr(ctx, e.logger)
	var (
		copied  []movedKey
		copyErr error
	)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			copyErr = err
			break
		}
		m, ok, err := e.copyKey(key, from, to)
		if err != nil {
			copyErr = fmt.Errorf("migrate %q from shard %d to %d: %w", key, src, dst, err)
			break
		}
		if ok {
			copied = append(copied, m)
		}
	}
	if len(copied) == 0 {
		return 0, copyErr
	}

	// The flush must not be cut short by ctx: the copies are already visible.
	if err := e.flushLog(context.WithoutCancel(ctx), dst); err != nil {
		for _, m := range copied {
			e.revertKey(m, from, to)
		}
		log.Warn("Migration rolled back, destination WAL not flushed",
			zap.Int("source", src), zap.Int("destination", dst),
			zap.Int("keys", len(copied)), zap.Error(err))
		return 0, multierr.Append(fmt.Errorf("flush shard %d: %w", dst, err), copyErr)
	}

	for _, m := range copied {
		e.dropSource(log, m, from)
	}
	log.Debug("Migrated keys",
		zap.Int("source", src), zap.Int("destination", dst), zap.Int("keys", len(copied)))
	return len(copied), copyErr
}

// movedKey is a key copied by the first step of a migration.
type movedKey struct {
	key      string
	previous *coordinator.Redirect
	srcSeq   uint64 // sequence of the source copy
	dstSeq   uint64 // sequence of the destination copy
}

func (e *Engine) copyKey(key string, from, to *shard.Shard) (movedKey, bool, error) {
	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	redirects := e.router.Redirects()
	if owner, _, _ := e.router.Resolve(key); owner != from.ID {
		return movedKey{}, false, nil
	}
	rec, err := from.Record(key)
	if err != nil {
		return movedKey{}, false, nil
	}

	m := movedKey{key: key, srcSeq: rec.Sequence}
	if rd, ok := redirects.Lookup(key); ok {
		m.previous = &rd
	}
	redirects.Begin(key, from.ID, to.ID)

	if m.dstSeq, err = to.PutRecord(rec); err != nil {
		redirects.Abort(key, m.previous)
		return movedKey{}, false, err
	}
	if to.ID == e.router.GetShardForKey(key) {
		redirects.Remove(key)
	} else {
		redirects.Complete(key, to.ID)
	}
	e.cache.Invalidate(key)
	return m, true, nil
}

// dropSource deletes the source copy of a moved key. A source copy written
// after the move started is live and kept.
func (e *Engine) dropSource(log *zap.Logger, m movedKey, from *shard.Shard) {
	mu := e.lockFor(m.key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := from.Record(m.key)
	if err != nil || rec.Sequence != m.srcSeq {
		return
	}
	if _, err := from.Delete(m.key); err != nil {
		log.Warn("Source copy already gone after migration",
			zap.String("key", m.key), zap.Int("shard", from.ID), zap.Error(err))
	}
	e.cache.Invalidate(m.key)
}

// revertKey moves a copied key back to its source, carrying over any write
// it received on the destination. A key deleted since the copy is removed
// from the source as well.
func (e *Engine) revertKey(m movedKey, from, to *shard.Shard) {
	mu := e.lockFor(m.key)
	mu.Lock()
	defer mu.Unlock()
	defer e.cache.Invalidate(m.key)

	owner, _, _ := e.router.Resolve(m.key)
	rec, err := to.Record(m.key)
	if owner != to.ID || err != nil {
		if cur, err := from.Record(m.key); err == nil && cur.Sequence == m.srcSeq {
			_, _ = from.Delete(m.key)
		}
		return
	}

	if rec.Sequence != m.dstSeq {
		if _, err := from.PutRecord(rec); err != nil {
			e.logger.Warn("Failed to restore migrated key",
				zap.String("key", m.key), zap.Int("shard", from.ID), zap.Error(err))
			return
		}
	}
	_, _ = to.Delete(m.key)
	e.router.Redirects().Abort(m.key, m.previous)
}

// flushLog waits until the WAL of shard id, if any, is synced.
func (e *Engine) flushLog(ctx context.Context, id int) error {
	w, ok := e.wals.Load(id)
	if !ok {
		return nil
	}
	return w.ForceFlush(ctx)
}
