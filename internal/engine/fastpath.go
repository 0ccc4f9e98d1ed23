package engine

import (
	"errors"
)

// ErrRedirected is returned by FastPath when a key may not live on its hash
// shard because the router holds redirects. Callers retry through the
// engine.
var ErrRedirected = errors.New("key may be redirected")

// FastPath applies operations directly to the hash shard of a key, skipping
// redirect resolution and affinity placement. It is only valid while the
// redirect table is empty, which it checks under the key's lock, so it never
// touches a key that lives elsewhere.
type FastPath struct {
	e *Engine
}

// Put writes key to its hash shard.
func (f *FastPath) Put(key string, value []byte, weight float64) (PutResult, error) {
	mu := f.e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if f.e.router.Redirects().Len() != 0 {
		return PutResult{}, ErrRedirected
	}
	id := f.e.router.GetShardForKey(key)
	s, err := f.e.shardFor(id)
	if err != nil {
		return PutResult{ShardID: id}, err
	}
	seq, err := s.Put(key, value, weight)
	if err != nil {
		return PutResult{ShardID: id}, err
	}
	f.e.cache.Invalidate(key)
	return PutResult{ShardID: id, Sequence: seq}, nil
}

// Get reads key from its hash shard.
func (f *FastPath) Get(key string) ([]byte, error) {
	if f.e.router.Redirects().Len() != 0 {
		return nil, ErrRedirected
	}
	v, _, err := f.get(key)
	return v, err
}

func (f *FastPath) get(key string) ([]byte, int, error) {
	id := f.e.router.GetShardForKey(key)
	v, err := f.e.readFrom(id, key, true)
	return v, id, err
}

// Delete removes key from its hash shard.
func (f *FastPath) Delete(key string) ([]byte, error) {
	v, _, err := f.delete(key)
	return v, err
}

func (f *FastPath) delete(key string) ([]byte, int, error) {
	mu := f.e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	id := f.e.router.GetShardForKey(key)
	if f.e.router.Redirects().Len() != 0 {
		return nil, id, ErrRedirected
	}
	defer f.e.cache.Invalidate(key)

	s, ok := f.e.shards.Load(id)
	if !ok {
		return nil, id, ErrNotFound
	}
	v, err := s.Delete(key)
	return v, id, err
}
