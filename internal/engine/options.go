package engine

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wal"
)

type options struct {
	logger   *zap.Logger
	observer telemetry.Observer
	clock    clock.Clock
	hash     coordinator.HashFunc
	openLog  func(dir string, id int, opts wal.Options) (*wal.WAL, error)
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the telemetry observer.
func WithObserver(obs telemetry.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHashFunc replaces the router hash. Recovery relies on the hash being
// the same across restarts.
func WithHashFunc(h coordinator.HashFunc) Option {
	return func(o *options) { o.hash = h }
}

// PutOption tunes a single Put.
type PutOption func(*putOptions)

type putOptions struct {
	weight float64
	route  *coordinator.RouteOptions
}

// WithWeight sets the record weight and lets the router place a new key by
// affinity instead of by hash alone.
func WithWeight(w float64) PutOption {
	return func(o *putOptions) {
		o.weight = w
		if o.route == nil {
			o.route = &coordinator.RouteOptions{}
		}
		o.route.Weight = w
	}
}

// WithLocality anchors affinity placement of a new key on shard.
func WithLocality(shard int) PutOption {
	return func(o *putOptions) {
		if o.route == nil {
			o.route = &coordinator.RouteOptions{Weight: 1}
		}
		o.route.Locality = &shard
	}
}

func newPutOptions(opts []PutOption) putOptions {
	po := putOptions{weight: 1}
	for _, opt := range opts {
		opt(&po)
	}
	if po.route != nil && po.route.Weight <= 0 {
		po.route.Weight = po.weight
	}
	return po
}
