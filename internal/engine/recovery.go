package engine

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/storage"
	"github.com/dreamware/shardkv/internal/wal"
)

// RecoveryReport summarizes a Recover pass over every shard.
type RecoveryReport struct {
	Shards        []wal.RecoveryReport `json:"shards"`
	Entries       int                  `json:"entries"`
	SkippedFrames int                  `json:"skipped_frames"`
	// Redirects is the number of keys found off their hash shard.
	Redirects int `json:"redirects"`
	// Duplicates is the number of stale copies left behind by an
	// interrupted migration and removed.
	Duplicates int `json:"duplicates"`
}

// Recover replays every shard's WAL into memory and rebuilds the redirect
// table from where keys were found. Replay is idempotent, so recovering a
// running engine reapplies the logged state; it must not run concurrently
// with writes. Without a data dir there is nothing to recover.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if e.closed.Load() {
		return report, ErrClosed
	}
	if e.cfg.DataDir == "" {
		return report, nil
	}

	// Anything still queued must reach the file before it is read back.
	flush, fctx := errgroup.WithContext(ctx)
	e.wals.Range(func(_ int, w *wal.WAL) bool {
		flush.Go(func() error { return w.ForceFlush(fctx) })
		return true
	})
	if err := flush.Wait(); err != nil {
		return report, err
	}

	reports := make([]wal.RecoveryReport, e.cfg.ShardCount)
	g, _ := errgroup.WithContext(ctx)
	for id := 0; id < e.cfg.ShardCount; id++ {
		id := id
		g.Go(func() error {
			s, err := e.shardFor(id)
			if err != nil {
				return err
			}
			w, ok := e.wals.Load(id)
			if !ok {
				return nil
			}
			entries, rep, err := w.Recover()
			if err != nil {
				return err
			}
			for _, ent := range entries {
				s.Apply(ent)
			}
			reports[id] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Shards = reports
	for _, rep := range reports {
		report.Entries += rep.Entries
		report.SkippedFrames += rep.SkippedFrames
	}
	report.Redirects, report.Duplicates = e.rebuildRedirects()
	return report, nil
}

// rebuildRedirects records a permanent redirect for every key that lives off
// its hash shard. A key found on several shards was caught between the copy
// and the source delete of a migration; the most recently written copy wins,
// preferring the hash shard and then the lower shard id on a tie, and the
// others are deleted.
func (e *Engine) rebuildRedirects() (redirects, duplicates int) {
	holders := make(map[string][]storage.Record)
	e.shards.Range(func(id int, s *shard.Shard) bool {
		s.Store.Range(func(rec storage.Record) bool {
			if e.router.GetShardForKey(rec.Key) != id {
				holders[rec.Key] = append(holders[rec.Key], rec)
			}
			return true
		})
		return true
	})

	table := e.router.Redirects()
	for key, recs := range holders {
		home := e.router.GetShardForKey(key)
		if hs, ok := e.shards.Load(home); ok {
			if rec, err := hs.Record(key); err == nil {
				recs = append(recs, rec)
			}
		}

		slices.SortFunc(recs, func(a, b storage.Record) int {
			if c := b.LastAccessed.Compare(a.LastAccessed); c != 0 {
				return c
			}
			switch {
			case a.ShardID == home:
				return -1
			case b.ShardID == home:
				return 1
			}
			return a.ShardID - b.ShardID
		})

		winner := recs[0]
		for _, stale := range recs[1:] {
			if s, ok := e.shards.Load(stale.ShardID); ok {
				_, _ = s.Delete(key)
				duplicates++
			}
		}
		if winner.ShardID != home {
			table.Place(key, winner.ShardID)
			redirects++
		}
	}

	if duplicates > 0 {
		e.logger.Warn("Removed duplicate keys left by an interrupted migration",
			zap.Int("duplicates", duplicates))
	}
	return redirects, duplicates
}
