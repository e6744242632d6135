package maps

import (
	"sync"

	"github.com/cornelk/hashmap"
)

// CornelkMap is backed by cornelk/hashmap. The library has no atomic
// read-modify-write, so LoadAndDelete and Update are serialized by a mutex
// while plain reads stay lock-free.
type CornelkMap[K Integer, V any] struct {
	m  *hashmap.Map[K, V]
	mu sync.Mutex
}

func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (c *CornelkMap[K, V]) Load(key K) (V, bool) { return c.m.Get(key) }

func (c *CornelkMap[K, V]) Store(key K, value V) {
	c.mu.Lock()
	c.m.Set(key, value)
	c.mu.Unlock()
}

func (c *CornelkMap[K, V]) Delete(key K) {
	c.mu.Lock()
	c.m.Del(key)
	c.mu.Unlock()
}

func (c *CornelkMap[K, V]) LoadAndDelete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m.Get(key)
	if ok {
		c.m.Del(key)
	}
	return v, ok
}

func (c *CornelkMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	if v, ok := c.m.Get(key); ok {
		return v, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.GetOrInsert(key, factory())
}

func (c *CornelkMap[K, V]) Update(key K, fn func(V, bool) (V, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, exists := c.m.Get(key)
	next, keep := fn(old, exists)
	switch {
	case keep:
		c.m.Set(key, next)
	case exists:
		c.m.Del(key)
	}
}

func (c *CornelkMap[K, V]) Range(f func(K, V) bool) { c.m.Range(f) }
func (c *CornelkMap[K, V]) Len() int                { return c.m.Len() }
