// Package maps provides the integer-keyed concurrent maps used for the
// diagnostic server's session registry. The backing implementation is
// selected once at startup from configuration.
package maps

import (
	"fmt"
	"sync/atomic"
)

// Kind names a ConcurrentMap implementation.
type Kind string

const (
	KindXSync   Kind = "xsync"
	KindSharded Kind = "sharded"
	KindCornelk Kind = "cornelk"
	KindSync    Kind = "sync"
)

// Kinds lists the accepted implementation names.
var Kinds = []Kind{KindXSync, KindSharded, KindCornelk, KindSync}

// Integer permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map keyed by integers.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value, or stores and returns the
	// factory's value. loaded reports which happened.
	LoadOrStore(key K, factory func() V) (actual V, loaded bool)
	// Update replaces or removes the entry under the map's lock.
	Update(key K, fn func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
}

var defaultKind atomic.Value

func init() { defaultKind.Store(KindXSync) }

// ParseKind validates an implementation name. The empty string selects xsync.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindXSync, nil
	}
	for _, k := range Kinds {
		if Kind(s) == k {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown map implementation %q (valid: %v)", s, Kinds)
}

// SetDefault changes the implementation returned by NewConcurrentMap.
func SetDefault(kind Kind) error {
	k, err := ParseKind(string(kind))
	if err != nil {
		return err
	}
	defaultKind.Store(k)
	return nil
}

// Default returns the implementation NewConcurrentMap uses.
func Default() Kind { return defaultKind.Load().(Kind) }

// NewConcurrentMap returns a map of the default kind.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	return New[K, V](Default())
}

// New returns a map of the given kind. Unknown kinds fall back to xsync.
func New[K Integer, V any](kind Kind) ConcurrentMap[K, V] {
	switch kind {
	case KindSharded:
		return NewShardedMap[K, V]()
	case KindCornelk:
		return NewCornelkMap[K, V]()
	case KindSync:
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
