// Package controller starts and stops trace sessions in other processes over
// their diagnostic endpoint.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	plog "github.com/phuslu/log"
	"github.com/shirou/gopsutil/v3/process"

	"tracecheck/internal/diagipc"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/logger"
)

// Options configures a Controller.
type Options struct {
	// SocketDir holds target endpoints. Defaults to diagipc.DefaultSocketDir().
	SocketDir string
	// DialTimeout bounds connecting and waiting for a reply when the caller's
	// context has no deadline. Defaults to 5s.
	DialTimeout time.Duration
}

// SessionHandle is a started session. The caller owns Stream and must close it.
type SessionHandle struct {
	ID     eventpipe.SessionID
	PID    int
	Stream io.ReadCloser
}

type sessionKey struct {
	pid int
	id  eventpipe.SessionID
}

// Controller issues CollectTracing and StopTracing commands. It remembers
// the sessions it stopped so a second stop is detected locally.
type Controller struct {
	dir         string
	dialTimeout time.Duration
	log         plog.Logger

	mu      sync.Mutex
	stopped map[sessionKey]struct{}
}

func New(opts Options) *Controller {
	if opts.SocketDir == "" {
		opts.SocketDir = diagipc.DefaultSocketDir()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Controller{
		dir:         opts.SocketDir,
		dialTimeout: opts.DialTimeout,
		log:         logger.NewLoggerWithContext("controller"),
		stopped:     make(map[sessionKey]struct{}),
	}
}

// Start opens a trace session in process pid. The returned handle's Stream
// carries the trace; no retry is attempted on failure.
func (c *Controller) Start(ctx context.Context, pid int, cfg *eventpipe.SessionConfig) (*SessionHandle, error) {
	if cfg == nil {
		return nil, &eventpipe.ConfigError{Field: "session", Reason: "configuration is required"}
	}

	fail := func(reason string, err error) (*SessionHandle, error) {
		c.log.Error().Err(err).Int("pid", pid).Str("reason", reason).Msg("Trace session start failed")
		return nil, &SessionStartError{PID: pid, Reason: reason, Err: err}
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return fail("checking target process", err)
	}
	if !exists {
		return fail("no such process", nil)
	}

	msg, err := diagipc.NewCollectTracing(cfg)
	if err != nil {
		return fail("encoding request", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conn, err := diagipc.Dial(ctx, c.dir, pid)
	if err != nil {
		return fail("connecting to diagnostic endpoint", err)
	}

	reply, err := diagipc.RoundTrip(ctx, conn, msg)
	if err != nil {
		conn.Close()
		return fail("waiting for acknowledgement", err)
	}
	id, err := diagipc.ParseResponse(reply)
	if err != nil {
		conn.Close()
		return fail("target refused the session", err)
	}
	if id == 0 {
		conn.Close()
		return fail("target returned session id 0", nil)
	}

	c.log.Info().
		Int("pid", pid).
		Uint64("session_id", uint64(id)).
		Str("config", cfg.String()).
		Msg("Trace session started")
	return &SessionHandle{ID: id, PID: pid, Stream: conn}, nil
}

// Stop ends session id in process pid. Stopping a session twice yields
// *SessionAlreadyStoppedError.
func (c *Controller) Stop(ctx context.Context, pid int, id eventpipe.SessionID) error {
	key := sessionKey{pid: pid, id: id}
	c.mu.Lock()
	_, done := c.stopped[key]
	c.mu.Unlock()
	if done {
		return &SessionAlreadyStoppedError{PID: pid, ID: id}
	}

	msg, err := diagipc.NewStopTracing(id)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conn, err := diagipc.Dial(ctx, c.dir, pid)
	if err != nil {
		return fmt.Errorf("failed to stop trace session %d: %w", id, err)
	}
	defer conn.Close()

	reply, err := diagipc.RoundTrip(ctx, conn, msg)
	if err != nil {
		return fmt.Errorf("failed to stop trace session %d: %w", id, err)
	}
	if _, err := diagipc.ParseResponse(reply); err != nil {
		var serr *diagipc.ServerError
		if errors.As(err, &serr) && serr.Code == diagipc.ErrCodeSessionStopped {
			c.markStopped(key)
			return &SessionAlreadyStoppedError{PID: pid, ID: id}
		}
		return fmt.Errorf("failed to stop trace session %d: %w", id, err)
	}

	c.markStopped(key)
	c.log.Debug().Int("pid", pid).Uint64("session_id", uint64(id)).Msg("Trace session stopped")
	return nil
}

func (c *Controller) markStopped(key sessionKey) {
	c.mu.Lock()
	c.stopped[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.dialTimeout)
}

// ProcessName returns the executable name of pid, or "" if it cannot be read.
func ProcessName(ctx context.Context, pid int) string {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}
