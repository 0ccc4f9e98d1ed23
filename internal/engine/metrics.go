package engine

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/correlation"
	"github.com/dreamware/shardkv/internal/shard"
	"github.com/dreamware/shardkv/internal/wal"
)

// Metrics is a point-in-time view of the engine.
type Metrics struct {
	Shards           []shard.ShardInfo      `json:"shards"`
	Entropy          float64                `json:"entropy"`
	MonitorState     string                 `json:"monitor_state"`
	CorrelationEdges int                    `json:"correlation_edges"`
	Redirects        int                    `json:"redirects"`
	Prefetch         correlation.CacheStats `json:"prefetch"`
	WAL              map[int]wal.Stats      `json:"wal,omitempty"`
}

// Metrics returns per-shard statistics, the current entropy and the size of
// the correlation graph. Shards that were never used are not listed.
func (e *Engine) Metrics() Metrics {
	m := Metrics{
		Entropy:          coordinator.Entropy(e.ShardCounts()),
		MonitorState:     e.monitor.State().String(),
		CorrelationEdges: e.corr.Size(),
		Redirects:        e.router.Redirects().Len(),
		Prefetch:         e.cache.Stats(),
	}
	e.shards.Range(func(_ int, s *shard.Shard) bool {
		m.Shards = append(m.Shards, s.Info())
		return true
	})
	slices.SortFunc(m.Shards, func(a, b shard.ShardInfo) int { return a.ID - b.ID })

	e.wals.Range(func(id int, w *wal.WAL) bool {
		if m.WAL == nil {
			m.WAL = make(map[int]wal.Stats)
		}
		m.WAL[id] = w.Stats()
		return true
	})
	return m
}
