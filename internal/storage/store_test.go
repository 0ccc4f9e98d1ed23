package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func rec(key, value string) Record {
	return Record{Key: key, Value: []byte(value), Weight: 1}
}

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		// List should return empty slice
		keys := store.List()
		if len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		// Get should return ErrKeyNotFound
		_, err := store.Get("nonexistent")
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("put and get values", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put(rec("key1", "value1")); err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}

		got, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(got.Value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(got.Value))
		}
		if got.Weight != 1 {
			t.Errorf("Expected weight 1, got %v", got.Weight)
		}
	})

	t.Run("overwrite existing key", func(t *testing.T) {
		store := NewMemoryStore()

		_ = store.Put(rec("key1", "value1"))
		_ = store.Put(rec("key1", "value2"))

		got, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(got.Value, []byte("value2")) {
			t.Errorf("Expected 'value2', got %s", string(got.Value))
		}
		if s := store.Stats(); s.Keys != 1 || s.Bytes != 6 {
			t.Errorf("Expected 1 key / 6 bytes, got %+v", s)
		}
	})

	t.Run("delete values", func(t *testing.T) {
		store := NewMemoryStore()
		_ = store.Put(rec("key1", "value1"))

		removed, err := store.Delete("key1")
		if err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if string(removed.Value) != "value1" {
			t.Errorf("Expected removed value 'value1', got %q", removed.Value)
		}

		if _, err := store.Get("key1"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		store := NewMemoryStore()
		if _, err := store.Delete("missing"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("values are copied", func(t *testing.T) {
		store := NewMemoryStore()
		value := []byte("original")
		_ = store.Put(Record{Key: "k", Value: value})

		// Mutating the caller's slice must not leak into the store
		value[0] = 'X'
		got, _ := store.Get("k")
		if string(got.Value) != "original" {
			t.Errorf("Store shares caller memory: %q", got.Value)
		}

		// Mutating a returned slice must not leak either
		got.Value[0] = 'Y'
		again, _ := store.Get("k")
		if string(again.Value) != "original" {
			t.Errorf("Store shares returned memory: %q", again.Value)
		}
	})

	t.Run("empty and nil values", func(t *testing.T) {
		store := NewMemoryStore()
		_ = store.Put(Record{Key: "empty", Value: []byte{}})
		_ = store.Put(Record{Key: "nil"})

		for _, k := range []string{"empty", "nil"} {
			got, err := store.Get(k)
			if err != nil {
				t.Fatalf("Failed to get %s: %v", k, err)
			}
			if len(got.Value) != 0 {
				t.Errorf("Expected empty value for %s, got %q", k, got.Value)
			}
		}
	})
}

// TestMemoryStoreAccessTime verifies Get stamps access times and Peek does not
func TestMemoryStoreAccessTime(t *testing.T) {
	now := time.Unix(1000, 0)
	store := NewMemoryStoreWithClock(func() time.Time { return now })
	_ = store.Put(rec("k", "v"))

	now = now.Add(time.Minute)
	peeked, _ := store.Peek("k")
	if !peeked.LastAccessed.Equal(time.Unix(1000, 0)) {
		t.Errorf("Peek changed access time: %v", peeked.LastAccessed)
	}

	got, _ := store.Get("k")
	if !got.LastAccessed.Equal(now) {
		t.Errorf("Expected access time %v, got %v", now, got.LastAccessed)
	}

	now = now.Add(time.Minute)
	store.Touch("k")
	peeked, _ = store.Peek("k")
	if !peeked.LastAccessed.Equal(now) {
		t.Errorf("Touch did not update access time: %v", peeked.LastAccessed)
	}
}

// TestMemoryStoreConcurrency tests concurrent access to the store
func TestMemoryStoreConcurrency(t *testing.T) {
	t.Run("concurrent writes", func(t *testing.T) {
		store := NewMemoryStore()
		var wg sync.WaitGroup
		numGoroutines := 50
		numOps := 100

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < numOps; j++ {
					_ = store.Put(rec(fmt.Sprintf("key-%d-%d", id, j), "v"))
				}
			}(i)
		}
		wg.Wait()

		if got := store.Stats().Keys; got != numGoroutines*numOps {
			t.Errorf("Expected %d keys, got %d", numGoroutines*numOps, got)
		}
		if got := len(store.List()); got != numGoroutines*numOps {
			t.Errorf("Expected %d listed keys, got %d", numGoroutines*numOps, got)
		}
	})

	t.Run("concurrent mixed operations", func(t *testing.T) {
		store := NewMemoryStore()
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(3)
			key := fmt.Sprintf("key-%d", i)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_ = store.Put(rec(key, "value"))
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_, _ = store.Get(key)
				}
			}()
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_, _ = store.Delete(key)
				}
			}()
		}
		wg.Wait()

		// Counters must agree with the map after the dust settles
		stats := store.Stats()
		if stats.Keys != len(store.List()) {
			t.Errorf("Stats keys %d disagree with list %d", stats.Keys, len(store.List()))
		}
		if stats.Bytes != stats.Keys*len("value") {
			t.Errorf("Stats bytes %d disagree with keys %d", stats.Bytes, stats.Keys)
		}
	})
}

// TestStoreInterface verifies MemoryStore implements Store interface
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
}

// TestMemoryStoreRangeAndClear tests iteration and clearing
func TestMemoryStoreRangeAndClear(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 10; i++ {
		_ = store.Put(rec(fmt.Sprintf("k%d", i), "abc"))
	}

	seen := 0
	store.Range(func(r Record) bool {
		seen++
		return seen < 5
	})
	if seen != 5 {
		t.Errorf("Expected Range to stop after 5, saw %d", seen)
	}

	store.Clear()
	if s := store.Stats(); s.Keys != 0 || s.Bytes != 0 {
		t.Errorf("Expected empty stats after clear, got %+v", s)
	}
}
