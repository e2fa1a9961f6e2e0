package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum sets the number of shards of a [ShardMap].
type ShardsNum uint

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// If no number of shards is specified, the default number of shards (32) is used.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var shardsNum ShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok {
			shardsNum = v
		}
	}
	if shardsNum == 0 {
		shardsNum = defShardsNum
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: shards,
	}
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	s.items[key] = value
	s.Unlock()
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *ShardMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	if v, ok := s.items[key]; ok {
		return v, true
	}
	s.items[key] = value
	return value, false
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.Unlock()
	return val, ok
}

// DelFunc removes the entry stored under key only if match reports true for its value.
// It returns the stored value and whether the entry was removed.
func (m *ShardMap[K, V]) DelFunc(key K, match func(V) bool) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if !ok || !match(val) {
		return val, false
	}
	delete(s.items, key)
	return val, true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.getShard(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Items returns an iterator over a per-shard snapshot of the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
