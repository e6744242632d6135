package diagserver

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	plog "github.com/phuslu/log"

	"tracecheck/internal/diagipc"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/nettrace"
)

// session owns one trace stream. Producers append to a byte-bounded queue
// that a single writer goroutine drains onto the connection. When the queue
// is full new events are dropped and later reported in a LostEvents frame.
type session struct {
	id        eventpipe.SessionID
	conn      net.Conn
	providers map[string]eventpipe.Provider
	budget    int64
	log       plog.Logger

	mu       sync.Mutex
	queue    []nettrace.EventRecord
	used     int64
	lost     uint64 // not yet reported
	seq      uint64
	stopping bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	written   atomic.Uint64
	totalLost atomic.Uint64
}

func newSession(id eventpipe.SessionID, conn net.Conn, req *diagipc.CollectTracingRequest, l plog.Logger) *session {
	providers := make(map[string]eventpipe.Provider, len(req.Providers))
	for _, p := range req.Providers {
		providers[p.Name] = p
	}
	return &session{
		id:        id,
		conn:      conn,
		providers: providers,
		budget:    int64(req.CircularBufferMB) << 20,
		log:       l,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (ss *session) enables(provider string, level eventpipe.EventLevel, keywords uint64) bool {
	p, ok := ss.providers[provider]
	return ok && p.Enables(level, keywords)
}

// enqueue copies the event into the session buffer. It reports false when the
// event was dropped. Sequence numbers are taken in queue order, so they
// increase along the stream even with concurrent writers.
func (ss *session) enqueue(ts time.Time, id uint32, provider string, payload []byte) bool {
	size := int64(nettrace.EventFrameSize(provider, len(payload)))

	ss.mu.Lock()
	if ss.stopping {
		ss.mu.Unlock()
		return false
	}
	if ss.used+size > ss.budget {
		ss.lost++
		ss.mu.Unlock()
		ss.totalLost.Add(1)
		return false
	}
	ss.seq++
	ss.queue = append(ss.queue, nettrace.EventRecord{
		Sequence:  ss.seq,
		Timestamp: ts,
		EventID:   id,
		Provider:  provider,
		Payload:   append([]byte(nil), payload...),
	})
	ss.used += size
	ss.mu.Unlock()

	select {
	case ss.wake <- struct{}{}:
	default:
	}
	return true
}

func (ss *session) take() ([]nettrace.EventRecord, uint64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	batch, lost := ss.queue, ss.lost
	ss.queue, ss.lost = nil, 0
	return batch, lost
}

func (ss *session) release(size int64) {
	ss.mu.Lock()
	ss.used -= size
	ss.mu.Unlock()
}

// stop makes run flush what is buffered, write the end-of-stream frame and return.
func (ss *session) stop() {
	ss.stopOnce.Do(func() { close(ss.stopCh) })
}

// run writes the stream header and drains the buffer until stopped or the
// client disconnects. The connection is closed on return.
func (ss *session) run() error {
	defer ss.conn.Close()

	// The client never writes on a stream connection; a read returning means it hung up.
	hangup := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, ss.conn)
		close(hangup)
	}()

	w := nettrace.NewWriter(ss.conn)
	if err := w.WriteHeader(); err != nil {
		ss.abort()
		return err
	}

	for {
		drained, err := ss.flush(w)
		if err != nil {
			ss.abort()
			return err
		}
		if drained {
			continue
		}

		select {
		case <-ss.wake:
		case <-hangup:
			ss.abort()
			return errClientGone
		case <-ss.stopCh:
			ss.mu.Lock()
			ss.stopping = true
			ss.mu.Unlock()
			if _, err := ss.flush(w); err != nil {
				return err
			}
			return w.WriteEndOfStream()
		}
	}
}

var errClientGone = errors.New("client closed the trace stream")

// flush writes everything currently buffered. It reports whether anything was written.
func (ss *session) flush(w *nettrace.Writer) (bool, error) {
	batch, lost := ss.take()
	if lost > 0 {
		ss.log.Debug().Uint64("session_id", uint64(ss.id)).Uint64("lost", lost).Msg("Session buffer overflowed")
		if err := w.WriteLostEvents(lost); err != nil {
			return false, err
		}
	}
	for i := range batch {
		rec := &batch[i]
		if err := w.WriteEvent(rec); err != nil {
			return false, err
		}
		ss.written.Add(1)
		ss.release(int64(nettrace.EventFrameSize(rec.Provider, len(rec.Payload))))
	}
	return len(batch) > 0 || lost > 0, nil
}

func (ss *session) abort() {
	ss.mu.Lock()
	ss.stopping = true
	ss.queue = nil
	ss.used = 0
	ss.mu.Unlock()
}

func (ss *session) stats() SessionStats {
	ss.mu.Lock()
	active, used := !ss.stopping, ss.used
	ss.mu.Unlock()
	return SessionStats{
		ID:            ss.id,
		Active:        active,
		BufferBytes:   ss.budget,
		BufferedBytes: used,
		EventsWritten: ss.written.Load(),
		EventsLost:    ss.totalLost.Load(),
	}
}
