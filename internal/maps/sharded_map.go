package maps

import "sync"

// shardCount must be a power of two.
const shardCount = 32

type bucket[K Integer, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// ShardedMap spreads keys over lock-protected buckets by their low bits.
// Session ids are sequential, so neighbouring sessions land in different buckets.
type ShardedMap[K Integer, V any] struct {
	buckets [shardCount]bucket[K, V]
}

func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	s := &ShardedMap[K, V]{}
	for i := range s.buckets {
		s.buckets[i].m = make(map[K]V)
	}
	return s
}

func (s *ShardedMap[K, V]) bucketFor(key K) *bucket[K, V] {
	return &s.buckets[uint64(key)&(shardCount-1)]
}

func (s *ShardedMap[K, V]) Load(key K) (V, bool) {
	b := s.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

func (s *ShardedMap[K, V]) Store(key K, value V) {
	b := s.bucketFor(key)
	b.mu.Lock()
	b.m[key] = value
	b.mu.Unlock()
}

func (s *ShardedMap[K, V]) Delete(key K) {
	s.LoadAndDelete(key)
}

func (s *ShardedMap[K, V]) LoadAndDelete(key K) (V, bool) {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	delete(b.m, key)
	return v, ok
}

func (s *ShardedMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	b := s.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	if ok {
		return v, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.m[key]; ok {
		return v, true
	}
	v = factory()
	b.m[key] = v
	return v, false
}

func (s *ShardedMap[K, V]) Update(key K, fn func(V, bool) (V, bool)) {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	old, exists := b.m[key]
	if next, keep := fn(old, exists); keep {
		b.m[key] = next
	} else {
		delete(b.m, key)
	}
}

// Range snapshots one bucket at a time, so f may call back into the map.
func (s *ShardedMap[K, V]) Range(f func(K, V) bool) {
	type entry struct {
		k K
		v V
	}
	var snap []entry
	for i := range s.buckets {
		b := &s.buckets[i]
		snap = snap[:0]
		b.mu.RLock()
		for k, v := range b.m {
			snap = append(snap, entry{k, v})
		}
		b.mu.RUnlock()
		for _, e := range snap {
			if !f(e.k, e.v) {
				return
			}
		}
	}
}

func (s *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range s.buckets {
		b := &s.buckets[i]
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}
