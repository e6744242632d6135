// Package diagserver is the target side of the diagnostic channel. A process
// that wants to be traced starts a Server, creates event sources and writes
// events; the server fans them out to every trace session whose provider
// filters enable them.
package diagserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	plog "github.com/phuslu/log"

	"tracecheck/internal/diagipc"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/logger"
	"tracecheck/internal/maps"
)

// Options configures a Server.
type Options struct {
	// Dir holds the endpoint socket. Defaults to diagipc.DefaultSocketDir().
	Dir string
	// PID names the endpoint. Defaults to the current process id.
	PID int
	// Clock stamps events. Defaults to the wall clock.
	Clock clock.Clock
}

// Server hosts the diagnostic endpoint of the current process.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pid   int
	path  string
	ln    net.Listener
	clock clock.Clock
	log   plog.Logger

	sessions maps.ConcurrentMap[eventpipe.SessionID, *session]
	stopped  maps.ConcurrentMap[eventpipe.SessionID, *session]
	nextID   atomic.Uint64

	mu      sync.Mutex
	sources map[string]*EventSource
	conns   map[net.Conn]struct{}

	closing atomic.Bool
}

// Start creates the endpoint and begins accepting connections.
func Start(ctx context.Context, opts Options) (*Server, error) {
	if opts.Dir == "" {
		opts.Dir = diagipc.DefaultSocketDir()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ln, err := diagipc.Listen(opts.Dir, opts.PID)
	if err != nil {
		return nil, fmt.Errorf("failed to create diagnostic endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:      ctx,
		cancel:   cancel,
		pid:      opts.PID,
		path:     diagipc.SocketPath(opts.Dir, opts.PID),
		ln:       ln,
		clock:    opts.Clock,
		log:      logger.NewLoggerWithContext("diagserver"),
		sessions: maps.NewConcurrentMap[eventpipe.SessionID, *session](),
		stopped:  maps.NewConcurrentMap[eventpipe.SessionID, *session](),
		sources:  make(map[string]*EventSource),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	// Closing on context cancellation lets callers tie the server to a run.
	context.AfterFunc(ctx, func() { _ = s.ln.Close() })

	s.log.Info().Int("pid", s.pid).Str("endpoint", s.path).Msg("Diagnostic server listening")
	return s, nil
}

// PID is the process id the endpoint is published under.
func (s *Server) PID() int { return s.pid }

// Endpoint is the socket path.
func (s *Server) Endpoint() string { return s.path }

// Close ends every active session with an end-of-stream frame, removes the
// endpoint and waits for connection handlers to return.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Debug().Msg("Closing diagnostic server")

	s.sessions.Range(func(id eventpipe.SessionID, ss *session) bool {
		s.endSession(id, ss)
		return true
	})
	s.cancel()
	err := s.ln.Close()

	// Idle control connections do not end on their own.
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.path)

	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.log.Info().Msg("Diagnostic server stopped")
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// serveConn handles one command. A successful CollectTracing turns the
// connection into that session's trace stream.
func (s *Server) serveConn(conn net.Conn) {
	req, err := diagipc.ReadMessage(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("Dropping connection with unreadable command")
		if errors.Is(err, diagipc.ErrBadMagic) || errors.Is(err, diagipc.ErrBadSize) {
			s.reply(conn, diagipc.NewError(diagipc.ErrCodeBadEncoding))
		}
		return
	}

	switch {
	case req.Is(diagipc.CommandSetEventPipe, diagipc.CommandCollectTracing):
		s.handleCollect(conn, req.Payload)
	case req.Is(diagipc.CommandSetEventPipe, diagipc.CommandStopTracing):
		s.handleStop(conn, req.Payload)
	default:
		s.log.Debug().
			Uint8("command_set", uint8(req.Header.CommandSet)).
			Uint8("command", req.Header.Command).
			Msg("Unknown command")
		s.reply(conn, diagipc.NewError(diagipc.ErrCodeUnknownCommand))
	}
}

func (s *Server) handleCollect(conn net.Conn, payload []byte) {
	req, err := diagipc.ParseCollectTracing(payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("Malformed CollectTracing")
		s.reply(conn, diagipc.NewError(diagipc.ErrCodeBadEncoding))
		return
	}
	if code, ok := refuse(req); !ok {
		s.log.Info().Str("reason", code.String()).Msg("Refused trace session")
		s.reply(conn, diagipc.NewError(code))
		return
	}
	if s.closing.Load() {
		s.reply(conn, diagipc.NewError(diagipc.ErrCodeServerClosing))
		return
	}

	id := eventpipe.SessionID(s.nextID.Add(1))
	ss := newSession(id, conn, req, s.log)

	// Registered before the reply so a StopTracing sent as soon as the OK
	// arrives finds the session.
	s.sessions.Store(id, ss)
	if !s.reply(conn, diagipc.NewOK(id)) {
		s.sessions.LoadAndDelete(id)
		ss.abort()
		return
	}

	// Streams are ended through their session, not by Close.
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	if s.closing.Load() {
		s.endSession(id, ss)
	}

	s.log.Info().
		Uint64("session_id", uint64(id)).
		Uint32("buffer_mb", req.CircularBufferMB).
		Int("providers", len(req.Providers)).
		Msg("Trace session started")

	// Blocks until the session is stopped or the client goes away.
	err = ss.run()
	s.endSession(id, ss)

	st := ss.stats()
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Uint64("session_id", uint64(id)).
		Uint64("events_written", st.EventsWritten).
		Uint64("events_lost", st.EventsLost).
		Msg("Trace session ended")
}

func (s *Server) handleStop(conn net.Conn, payload []byte) {
	id, err := diagipc.ParseStopTracing(payload)
	if err != nil {
		s.reply(conn, diagipc.NewError(diagipc.ErrCodeBadEncoding))
		return
	}

	ss, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		code := diagipc.ErrCodeSessionNotFound
		if _, wasStopped := s.stopped.Load(id); wasStopped {
			code = diagipc.ErrCodeSessionStopped
		}
		s.log.Debug().Uint64("session_id", uint64(id)).Str("reason", code.String()).Msg("StopTracing refused")
		s.reply(conn, diagipc.NewError(code))
		return
	}

	s.stopped.Store(id, ss)
	ss.stop()
	s.log.Debug().Uint64("session_id", uint64(id)).Msg("StopTracing accepted")
	s.reply(conn, diagipc.NewOK(id))
}

// endSession unregisters a session and asks it to flush and close. It is
// safe to call more than once.
func (s *Server) endSession(id eventpipe.SessionID, ss *session) {
	if _, ok := s.sessions.LoadAndDelete(id); ok {
		s.stopped.Store(id, ss)
	}
	ss.stop()
}

func (s *Server) reply(conn net.Conn, m *diagipc.Message) bool {
	if _, err := m.WriteTo(conn); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write reply")
		return false
	}
	return true
}

func refuse(req *diagipc.CollectTracingRequest) (diagipc.ErrorCode, bool) {
	switch {
	case len(req.Providers) == 0:
		return diagipc.ErrCodeNoProviders, false
	case req.CircularBufferMB == 0:
		return diagipc.ErrCodeBadBufferSize, false
	case req.Format != eventpipe.FormatNetTrace:
		return diagipc.ErrCodeUnsupportedFormat, false
	}
	for _, p := range req.Providers {
		if p.Name == "" {
			return diagipc.ErrCodeBadEncoding, false
		}
	}
	return 0, true
}

// dispatch hands one event to every session that enables it.
func (s *Server) dispatch(provider string, id uint32, level eventpipe.EventLevel, keywords uint64, payload []byte) int {
	if s.sessions.Len() == 0 {
		return 0
	}
	now := s.clock.Now()

	delivered := 0
	s.sessions.Range(func(_ eventpipe.SessionID, ss *session) bool {
		if ss.enables(provider, level, keywords) && ss.enqueue(now, id, provider, payload) {
			delivered++
		}
		return true
	})
	return delivered
}

// SessionStats describes one session for telemetry.
type SessionStats struct {
	ID            eventpipe.SessionID
	Active        bool
	BufferBytes   int64
	BufferedBytes int64
	EventsWritten uint64
	EventsLost    uint64
}

// Stats returns active sessions followed by ended ones, by id.
func (s *Server) Stats() []SessionStats {
	var out []SessionStats
	s.sessions.Range(func(_ eventpipe.SessionID, ss *session) bool {
		out = append(out, ss.stats())
		return true
	})
	s.stopped.Range(func(_ eventpipe.SessionID, ss *session) bool {
		out = append(out, ss.stats())
		return true
	})
	slices.SortFunc(out, func(a, b SessionStats) int {
		if a.Active != b.Active {
			if a.Active {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
