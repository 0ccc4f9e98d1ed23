// Package coordinator implements key placement and load balancing for the
// engine. See doc.go for complete package documentation.
package coordinator

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// HashFunc maps a key onto the hash ring. The shard is hash % numShards.
type HashFunc func(key string) uint64

// RouteOptions carries the optional placement hint of a write.
//
// Without options a key always lands on its hash shard. With options the
// router scores the hash shard and its two ring neighbours:
//
//	affinity(shard) = Weight * capacity(shard) / (distance(shard, anchor) + 1)
//
// where distance is measured around the ring from Locality (or from the hash
// shard when Locality is nil). The highest score wins; ties go to the hash
// shard, then to the lower shard id.
type RouteOptions struct {
	// Weight is the importance of the key. Zero or negative weights score
	// every candidate equally, which keeps the key on its hash shard.
	Weight float64

	// Locality anchors the key near a given shard, typically the shard of
	// a related key.
	Locality *int
}

// ShardRouter maps keys to shards. It is the single place where placement
// decisions are made: plain hashing for the common case, affinity scoring
// when the caller supplies a hint, and the redirect table for keys that were
// placed or migrated away from their hash shard.
//
// Routing is deterministic: for a fixed key and an unchanged redirect table,
// Route returns the same shard on every call.
//
// Thread Safety:
// All methods are safe for concurrent use. Capacity factors are replaced as
// a whole behind an atomic pointer; the redirect table is a concurrent map.
type ShardRouter struct {
	numShards int
	hash      HashFunc
	capacity  atomic.Pointer[[]float64]
	redirects *RedirectTable
}

// RouterOption configures a ShardRouter.
type RouterOption func(*ShardRouter)

// WithHashFunc replaces the xxhash default. Tests use it to pin keys to a
// shard.
func WithHashFunc(h HashFunc) RouterOption {
	return func(r *ShardRouter) { r.hash = h }
}

// NewShardRouter creates a router over numShards shards. The shard count is
// fixed for the lifetime of the router.
func NewShardRouter(numShards int, opts ...RouterOption) *ShardRouter {
	if numShards <= 0 {
		numShards = 1
	}
	r := &ShardRouter{
		numShards: numShards,
		hash:      xxhash.Sum64String,
		redirects: NewRedirectTable(),
	}
	for _, opt := range opts {
		opt(r)
	}

	factors := make([]float64, numShards)
	for i := range factors {
		factors[i] = 1.0
	}
	r.capacity.Store(&factors)
	return r
}

// NumShards returns the total number of shards.
func (r *ShardRouter) NumShards() int {
	return r.numShards
}

// GetShardForKey returns the hash shard of key, ignoring redirects.
//
// Algorithm:
//  1. Hash the key (xxhash by default)
//  2. Take the hash modulo the number of shards
//
// Properties:
//   - Deterministic: same key always maps to the same shard
//   - Uniform: keys distribute evenly across shards
//   - O(1) and allocation free
func (r *ShardRouter) GetShardForKey(key string) int {
	return int(r.hash(key) % uint64(r.numShards))
}

// Route returns the shard a new write of key should go to. Keys that
// already have a redirect resolve through Resolve instead; Route only
// decides placement.
func (r *ShardRouter) Route(key string, opts *RouteOptions) int {
	home := r.GetShardForKey(key)
	if opts == nil || r.numShards == 1 {
		return home
	}

	anchor := home
	if opts.Locality != nil {
		anchor = ((*opts.Locality % r.numShards) + r.numShards) % r.numShards
	}
	factors := *r.capacity.Load()

	best, bestScore := home, r.affinity(opts.Weight, factors[home], home, anchor)
	for _, c := range r.candidates(home) {
		if c == home {
			continue
		}
		score := r.affinity(opts.Weight, factors[c], c, anchor)
		switch {
		case score > bestScore:
			best, bestScore = c, score
		case score == bestScore && best != home && c < best:
			best = c
		}
	}
	return best
}

// candidates returns the hash shard and its ring neighbours.
func (r *ShardRouter) candidates(home int) []int {
	n := r.numShards
	return []int{home, (home + n - 1) % n, (home + 1) % n}
}

func (r *ShardRouter) affinity(weight, capacity float64, shard, anchor int) float64 {
	return weight * capacity / float64(r.distance(shard, anchor)+1)
}

// distance is the number of steps between a and b around the ring.
func (r *ShardRouter) distance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if alt := r.numShards - d; alt < d {
		return alt
	}
	return d
}

// Resolve returns where key currently lives. For a key in the middle of a
// migration it returns the source first and the destination second; readers
// check both, in that order.
func (r *ShardRouter) Resolve(key string) (primary int, secondary int, inFlight bool) {
	if rd, ok := r.redirects.Lookup(key); ok {
		if rd.State == RedirectInFlight {
			return rd.From, rd.To, true
		}
		return rd.To, rd.To, false
	}
	home := r.GetShardForKey(key)
	return home, home, false
}

// SetCapacityFactors replaces the per-shard capacity factors used in
// affinity scoring. factors must have one entry per shard.
func (r *ShardRouter) SetCapacityFactors(factors []float64) error {
	if len(factors) != r.numShards {
		return fmt.Errorf("expected %d capacity factors, got %d", r.numShards, len(factors))
	}
	cp := append([]float64(nil), factors...)
	r.capacity.Store(&cp)
	return nil
}

// CapacityFactors returns a copy of the current capacity factors.
func (r *ShardRouter) CapacityFactors() []float64 {
	return append([]float64(nil), *r.capacity.Load()...)
}

// Redirects returns the router's redirect table.
func (r *ShardRouter) Redirects() *RedirectTable {
	return r.redirects
}

// RedirectState says whether a redirect is still being established.
type RedirectState int

const (
	// RedirectInFlight marks a key being copied. Source stays authoritative.
	RedirectInFlight RedirectState = iota
	// RedirectPermanent marks a key that lives on To.
	RedirectPermanent
)

func (s RedirectState) String() string {
	if s == RedirectInFlight {
		return "in_flight"
	}
	return "permanent"
}

// Redirect points a key away from its hash shard.
type Redirect struct {
	From  int
	To    int
	State RedirectState
}

// RedirectTable records keys that do not live on their hash shard: keys
// placed by affinity, keys moved by the load monitor and keys in the middle
// of a move.
//
// Each key's entry is replaced with a single atomic store, so a reader sees
// either the old or the new location and never a missing one. Callers that
// change a key's location are expected to hold that key's write lock.
type RedirectTable struct {
	m *xsync.MapOf[string, Redirect]
	n atomic.Int64
}

// NewRedirectTable returns an empty table.
func NewRedirectTable() *RedirectTable {
	return &RedirectTable{m: xsync.NewMapOf[string, Redirect]()}
}

// Lookup returns the redirect for key, if any.
func (t *RedirectTable) Lookup(key string) (Redirect, bool) {
	return t.m.Load(key)
}

// Len returns the number of redirected keys.
func (t *RedirectTable) Len() int {
	return int(t.n.Load())
}

// Begin publishes an in-flight redirect of key from src to dst.
func (t *RedirectTable) Begin(key string, src, dst int) {
	t.store(key, Redirect{From: src, To: dst, State: RedirectInFlight})
}

// Complete makes the redirect of key permanent.
func (t *RedirectTable) Complete(key string, dst int) {
	t.store(key, Redirect{From: dst, To: dst, State: RedirectPermanent})
}

// Place records that key was placed on shard instead of its hash shard.
func (t *RedirectTable) Place(key string, shard int) {
	t.Complete(key, shard)
}

// Abort restores the redirect key had before Begin, or removes it.
func (t *RedirectTable) Abort(key string, previous *Redirect) {
	if previous != nil {
		t.store(key, *previous)
		return
	}
	t.Remove(key)
}

// Remove drops the redirect of key.
func (t *RedirectTable) Remove(key string) {
	t.m.Compute(key, func(_ Redirect, loaded bool) (Redirect, bool) {
		if loaded {
			t.n.Add(-1)
		}
		return Redirect{}, true
	})
}

// Range calls fn for each redirect until fn returns false.
func (t *RedirectTable) Range(fn func(key string, rd Redirect) bool) {
	t.m.Range(fn)
}

func (t *RedirectTable) store(key string, rd Redirect) {
	t.m.Compute(key, func(_ Redirect, loaded bool) (Redirect, bool) {
		if !loaded {
			t.n.Add(1)
		}
		return rd, false
	})
}
