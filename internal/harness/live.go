package harness

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Live mirrors run progress for telemetry. It is written from the decoder
// goroutine and read concurrently by scrapers; the Runner's own counts are
// never shared.
type Live struct {
	events  *xsync.Map[string, *atomic.Uint64]
	results *xsync.Map[FailureKind, *atomic.Uint64]
	lost    atomic.Uint64
	active  atomic.Int64
}

func NewLive() *Live {
	return &Live{
		events:  xsync.NewMap[string, *atomic.Uint64](),
		results: xsync.NewMap[FailureKind, *atomic.Uint64](),
	}
}

func (l *Live) observe(provider string) {
	c, _ := l.events.LoadOrCompute(provider, func() (*atomic.Uint64, bool) {
		return new(atomic.Uint64), false
	})
	c.Add(1)
}

func (l *Live) finish(res *RunResult) {
	c, _ := l.results.LoadOrCompute(res.Kind, func() (*atomic.Uint64, bool) {
		return new(atomic.Uint64), false
	})
	c.Add(1)
	l.lost.Add(res.LostEvents)
}

// Events returns events observed per provider across all runs.
func (l *Live) Events() map[string]uint64 {
	out := make(map[string]uint64, l.events.Size())
	l.events.Range(func(k string, v *atomic.Uint64) bool {
		out[k] = v.Load()
		return true
	})
	return out
}

// Results returns finished runs per outcome.
func (l *Live) Results() map[FailureKind]uint64 {
	out := make(map[FailureKind]uint64, l.results.Size())
	l.results.Range(func(k FailureKind, v *atomic.Uint64) bool {
		out[k] = v.Load()
		return true
	})
	return out
}

// LostEvents is the total reported by targets across all runs.
func (l *Live) LostEvents() uint64 { return l.lost.Load() }

// ActiveRuns is the number of runs in progress.
func (l *Live) ActiveRuns() int64 { return l.active.Load() }
