package maps

import (
	"sync"
	"sync/atomic"
)

// StdSyncMap adapts sync.Map. Mutations that must be atomic go through a
// mutex; the entry count is kept separately since sync.Map has none.
type StdSyncMap[K Integer, V any] struct {
	m  sync.Map
	mu sync.Mutex
	n  atomic.Int64
}

func NewStdSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{}
}

func (s *StdSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := s.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (s *StdSyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	if _, loaded := s.m.Swap(key, value); !loaded {
		s.n.Add(1)
	}
	s.mu.Unlock()
}

func (s *StdSyncMap[K, V]) Delete(key K) { s.LoadAndDelete(key) }

func (s *StdSyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	s.n.Add(-1)
	return v.(V), true
}

func (s *StdSyncMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	if v, ok := s.m.Load(key); ok {
		return v.(V), true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, loaded := s.m.LoadOrStore(key, factory())
	if !loaded {
		s.n.Add(1)
	}
	return v.(V), loaded
}

func (s *StdSyncMap[K, V]) Update(key K, fn func(V, bool) (V, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old V
	raw, exists := s.m.Load(key)
	if exists {
		old = raw.(V)
	}
	next, keep := fn(old, exists)
	switch {
	case keep:
		s.m.Store(key, next)
		if !exists {
			s.n.Add(1)
		}
	case exists:
		s.m.Delete(key)
		s.n.Add(-1)
	}
}

func (s *StdSyncMap[K, V]) Range(f func(K, V) bool) {
	s.m.Range(func(k, v any) bool { return f(k.(K), v.(V)) })
}

func (s *StdSyncMap[K, V]) Len() int { return int(s.n.Load()) }
