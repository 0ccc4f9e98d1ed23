// Package correlation tracks which keys are read together and keeps a small
// cache of values prefetched for them.
//
// Reading B shortly after A adds a fixed delta to the edge A -> B, capped at
// 1.0. Edges are directed: the reverse edge B -> A only grows when A is read
// after B. Edges that have not been reinforced within the decay window are
// halved by Decay and dropped once they fall below MinStrength.
package correlation

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/exp/slices"
)

const (
	// DefaultDelta is the strength added per co-access.
	DefaultDelta = 0.1
	// DefaultDecayWindow is how long an edge may go without reinforcement
	// before it is halved.
	DefaultDecayWindow = time.Minute
	// DefaultWindow is the number of recent keys a read is correlated with.
	DefaultWindow = 8
	// MinStrength is the strength below which decayed edges are dropped.
	MinStrength = 0.01
	// MaxStrength caps edge strength.
	MaxStrength = 1.0
)

// Config controls the index.
type Config struct {
	Delta       float64
	DecayWindow time.Duration
	Window      int
}

// Edge is the correlation from A to B: how often B was read soon after A.
type Edge struct {
	A           string    `json:"a"`
	B           string    `json:"b"`
	Strength    float64   `json:"strength"`
	LastUpdated time.Time `json:"last_updated"`
}

type edge struct {
	strength float64
	updated  time.Time
}

// Index is the co-access graph. It is safe for concurrent use.
type Index struct {
	cfg   Config
	clock clock.Clock

	mu  sync.RWMutex
	out map[string]map[string]*edge    // from -> to
	in  map[string]map[string]struct{} // to -> from
	size int

	recentMu sync.Mutex
	recent   []string
}

// New returns an empty index. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Index {
	if cfg.Delta <= 0 {
		cfg.Delta = DefaultDelta
	}
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = DefaultDecayWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Index{
		cfg:   cfg,
		clock: clk,
		out:   make(map[string]map[string]*edge),
		in:    make(map[string]map[string]struct{}),
	}
}

// RecordAccess records a read of key following each key in recent: every
// edge prev -> key is strengthened by the configured delta.
func (x *Index) RecordAccess(key string, recent []string) {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, prev := range recent {
		if prev == key {
			continue
		}
		e := x.out[prev][key]
		if e == nil {
			e = &edge{}
			x.link(prev, key, e)
			x.size++
		}
		e.strength += x.cfg.Delta
		if e.strength > MaxStrength {
			e.strength = MaxStrength
		}
		e.updated = now
	}
}

func (x *Index) link(from, to string, e *edge) {
	m := x.out[from]
	if m == nil {
		m = make(map[string]*edge)
		x.out[from] = m
	}
	m[to] = e

	r := x.in[to]
	if r == nil {
		r = make(map[string]struct{})
		x.in[to] = r
	}
	r[from] = struct{}{}
}

func (x *Index) unlink(from, to string) {
	if m := x.out[from]; m != nil {
		delete(m, to)
		if len(m) == 0 {
			delete(x.out, from)
		}
	}
	if r := x.in[to]; r != nil {
		delete(r, from)
		if len(r) == 0 {
			delete(x.in, to)
		}
	}
}

// Observe records a read of key against the last Window distinct keys read
// and then makes key the most recent one.
func (x *Index) Observe(key string) {
	x.recentMu.Lock()
	recent := append([]string(nil), x.recent...)
	if i := slices.Index(x.recent, key); i >= 0 {
		x.recent = slices.Delete(x.recent, i, i+1)
	}
	x.recent = append(x.recent, key)
	if over := len(x.recent) - x.cfg.Window; over > 0 {
		x.recent = slices.Delete(x.recent, 0, over)
	}
	x.recentMu.Unlock()

	x.RecordAccess(key, recent)
}

// Strength returns the strength of the edge a -> b, or 0.
func (x *Index) Strength(a, b string) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if e := x.out[a][b]; e != nil {
		return e.strength
	}
	return 0
}

// Related returns the keys usually read after key, those whose edge from key
// has strength at least min, strongest first and by key among equals.
func (x *Index) Related(key string, min float64) []string {
	edges := x.Edges(key)
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if e.Strength >= min {
			out = append(out, e.B)
		}
	}
	return out
}

// Edges returns every edge leaving key, strongest first.
func (x *Index) Edges(key string) []Edge {
	x.mu.RLock()
	out := make([]Edge, 0, len(x.out[key]))
	for other, e := range x.out[key] {
		out = append(out, Edge{A: key, B: other, Strength: e.strength, LastUpdated: e.updated})
	}
	x.mu.RUnlock()

	slices.SortFunc(out, func(a, b Edge) int {
		switch {
		case a.Strength > b.Strength:
			return -1
		case a.Strength < b.Strength:
			return 1
		}
		return strings.Compare(a.B, b.B)
	})
	return out
}

// Decay halves every edge not updated within the decay window and drops
// those that fall below MinStrength. A halved edge waits another full window
// before it is halved again. It returns the number of edges dropped.
func (x *Index) Decay() int {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	dropped := 0
	for from, m := range x.out {
		for to, e := range m {
			if now.Sub(e.updated) < x.cfg.DecayWindow {
				continue
			}
			e.strength /= 2
			e.updated = now
			if e.strength < MinStrength {
				x.unlink(from, to)
				x.size--
				dropped++
			}
		}
	}
	return dropped
}

// Forget removes key and all of its edges.
func (x *Index) Forget(key string) {
	x.mu.Lock()
	for to := range x.out[key] {
		x.unlink(key, to)
		x.size--
	}
	for from := range x.in[key] {
		x.unlink(from, key)
		x.size--
	}
	x.mu.Unlock()

	x.recentMu.Lock()
	if i := slices.Index(x.recent, key); i >= 0 {
		x.recent = slices.Delete(x.recent, i, i+1)
	}
	x.recentMu.Unlock()
}

// Size returns the number of directed edges.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.size
}
