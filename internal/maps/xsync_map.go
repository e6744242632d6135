package maps

import "github.com/puzpuzpuz/xsync/v4"

// XSyncMap is backed by puzpuzpuz/xsync and is the default.
type XSyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
}

func NewXSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &XSyncMap[K, V]{m: xsync.NewMap[K, V]()}
}

func (x *XSyncMap[K, V]) Load(key K) (V, bool)          { return x.m.Load(key) }
func (x *XSyncMap[K, V]) Store(key K, value V)          { x.m.Store(key, value) }
func (x *XSyncMap[K, V]) Delete(key K)                  { x.m.Delete(key) }
func (x *XSyncMap[K, V]) LoadAndDelete(key K) (V, bool) { return x.m.LoadAndDelete(key) }
func (x *XSyncMap[K, V]) Range(f func(K, V) bool)       { x.m.Range(f) }
func (x *XSyncMap[K, V]) Len() int                      { return x.m.Size() }

func (x *XSyncMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	// The second result of the compute func cancels the insert; never cancel.
	return x.m.LoadOrCompute(key, func() (V, bool) {
		return factory(), false
	})
}

func (x *XSyncMap[K, V]) Update(key K, fn func(V, bool) (V, bool)) {
	x.m.Compute(key, func(old V, loaded bool) (V, xsync.ComputeOp) {
		next, keep := fn(old, loaded)
		if !keep {
			var zero V
			return zero, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}
