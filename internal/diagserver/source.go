package diagserver

import "tracecheck/internal/eventpipe"

// EventSource writes events under one provider name.
type EventSource struct {
	name string
	srv  *Server
}

// NewEventSource returns the event source for name, creating it on first use.
func (s *Server) NewEventSource(name string) *EventSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if es, ok := s.sources[name]; ok {
		return es
	}
	es := &EventSource{name: name, srv: s}
	s.sources[name] = es
	return es
}

// Sources lists the names of the event sources created so far.
func (s *Server) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sources))
	for n := range s.sources {
		names = append(names, n)
	}
	return names
}

func (es *EventSource) Name() string { return es.name }

// IsEnabled reports whether any active session names this source, whatever
// its level and keyword filter. Use IsEnabledFor to ask about a specific event.
func (es *EventSource) IsEnabled() bool {
	enabled := false
	es.srv.sessions.Range(func(_ eventpipe.SessionID, ss *session) bool {
		_, enabled = ss.providers[es.name]
		return !enabled
	})
	return enabled
}

// IsEnabledFor reports whether an event at level with keywords would be
// buffered by at least one active session.
func (es *EventSource) IsEnabledFor(level eventpipe.EventLevel, keywords uint64) bool {
	enabled := false
	es.srv.sessions.Range(func(_ eventpipe.SessionID, ss *session) bool {
		enabled = ss.enables(es.name, level, keywords)
		return !enabled
	})
	return enabled
}

// WriteEvent writes an Informational event without keywords. It returns the
// number of sessions that buffered it.
func (es *EventSource) WriteEvent(id uint32, payload []byte) int {
	return es.WriteEventLevel(id, eventpipe.LevelInformational, 0, payload)
}

// WriteEventLevel writes an event at the given level and keywords.
func (es *EventSource) WriteEventLevel(id uint32, level eventpipe.EventLevel, keywords uint64, payload []byte) int {
	return es.srv.dispatch(es.name, id, level, keywords, payload)
}
