package harness

import (
	"time"

	"tracecheck/internal/eventpipe"
	"tracecheck/internal/nettrace"
)

// ProviderSummary aggregates the events of one provider.
type ProviderSummary struct {
	Count    int            `yaml:"count"`
	EventIDs map[uint32]int `yaml:"event_ids"`
	First    time.Time      `yaml:"first"`
	Last     time.Time      `yaml:"last"`
}

// TraceSummary is what an Inspector sees once the trace has been fully decoded.
type TraceSummary struct {
	SessionID eventpipe.SessionID         `yaml:"session_id"`
	Events    int                         `yaml:"events"`
	Providers map[string]*ProviderSummary `yaml:"providers"`
	// LostEvents is the number of events the target reported as dropped.
	LostEvents uint64 `yaml:"lost_events"`
	// OrderingViolations counts events whose sequence number did not increase.
	OrderingViolations int       `yaml:"ordering_violations"`
	First              time.Time `yaml:"first"`
	Last               time.Time `yaml:"last"`

	lastSeq uint64
}

func newTraceSummary(id eventpipe.SessionID) *TraceSummary {
	return &TraceSummary{SessionID: id, Providers: make(map[string]*ProviderSummary)}
}

func (s *TraceSummary) add(rec *nettrace.EventRecord) {
	if s.Events > 0 && rec.Sequence <= s.lastSeq {
		s.OrderingViolations++
	}
	s.lastSeq = rec.Sequence
	s.Events++

	if s.First.IsZero() || rec.Timestamp.Before(s.First) {
		s.First = rec.Timestamp
	}
	if rec.Timestamp.After(s.Last) {
		s.Last = rec.Timestamp
	}

	p, ok := s.Providers[rec.Provider]
	if !ok {
		p = &ProviderSummary{EventIDs: make(map[uint32]int), First: rec.Timestamp}
		s.Providers[rec.Provider] = p
	}
	p.Count++
	p.EventIDs[rec.EventID]++
	p.Last = rec.Timestamp
}

// Duration is the time between the first and last event.
func (s *TraceSummary) Duration() time.Duration {
	if s.Events == 0 {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Inspector looks at a decoded trace after the counts passed validation and
// may reject it.
type Inspector interface {
	Inspect(summary *TraceSummary) error
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(summary *TraceSummary) error

func (f InspectorFunc) Inspect(summary *TraceSummary) error { return f(summary) }
