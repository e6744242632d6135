// Package harness runs one trace validation: it opens a session, decodes the
// stream in the background while the workload runs, stops the session, joins
// the decoder and checks the counts.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	plog "github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"tracecheck/internal/controller"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/logger"
	"tracecheck/internal/nettrace"
	"tracecheck/internal/validate"
)

// DefaultJoinTimeout bounds the wait for the decoder after Stop.
const DefaultJoinTimeout = 30 * time.Second

// SessionController starts and stops trace sessions.
type SessionController interface {
	Start(ctx context.Context, pid int, cfg *eventpipe.SessionConfig) (*controller.SessionHandle, error)
	Stop(ctx context.Context, pid int, id eventpipe.SessionID) error
}

// Runner orchestrates validation runs against one target process.
type Runner struct {
	controller  SessionController
	pid         int
	joinTimeout time.Duration
	clock       clock.Clock
	live        *Live
	log         plog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithJoinTimeout bounds both the wait for the stream header and the join
// after Stop.
func WithJoinTimeout(d time.Duration) Option {
	return func(r *Runner) { r.joinTimeout = d }
}

// WithClock replaces the clock used for the join bound.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLive mirrors progress into l for telemetry.
func WithLive(l *Live) Option {
	return func(r *Runner) { r.live = l }
}

func NewRunner(ctl SessionController, pid int, opts ...Option) *Runner {
	r := &Runner{
		controller:  ctl,
		pid:         pid,
		joinTimeout: DefaultJoinTimeout,
		clock:       clock.New(),
		log:         logger.NewLoggerWithContext("harness"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one validation. The workload runs on the calling goroutine
// once the decoder has read the stream header, so nothing it emits is missed.
// A panicking workload still has its session stopped and its decoder joined
// before the panic is re-raised. inspect may be nil.
func (r *Runner) Run(ctx context.Context, cfg *eventpipe.SessionConfig, workload func(), expected validate.Expectations, inspect Inspector) *RunResult {
	res := &RunResult{Config: cfg, Expected: expected, Counts: map[string]int{}}
	if r.live != nil {
		r.live.active.Add(1)
		defer func() {
			r.live.active.Add(-1)
			r.live.finish(res)
		}()
	}

	if cfg == nil {
		return r.report(res.fail(KindConfig, &eventpipe.ConfigError{Field: "session", Reason: "configuration is required"}))
	}

	handle, err := r.controller.Start(ctx, r.pid, cfg)
	if err != nil {
		var cerr *eventpipe.ConfigError
		if errors.As(err, &cerr) {
			return r.report(res.fail(KindConfig, err))
		}
		return r.report(res.fail(KindSessionStart, err))
	}
	defer handle.Stream.Close()
	res.SessionID = handle.ID

	// counts and summary are written only by the decode goroutine and read
	// here only after it has been joined.
	counts := make(map[string]int)
	summary := newTraceSummary(handle.ID)
	dec := nettrace.NewDecoder(handle.Stream)
	dec.OnEvent(func(rec *nettrace.EventRecord) {
		counts[rec.Provider]++
		summary.add(rec)
		if r.live != nil {
			r.live.observe(rec.Provider)
		}
	})

	ready := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		err := dec.ReadHeader()
		close(ready)
		if err != nil {
			return err
		}
		return dec.Process()
	})
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var (
		decodeErr error
		joined    bool
		timeout   *DecodeTimeoutError
	)

	select {
	case <-ready:
	case <-r.clock.After(r.joinTimeout):
		timeout = &DecodeTimeoutError{Timeout: r.joinTimeout, Phase: "reading the stream header"}
	case <-ctx.Done():
		timeout = &DecodeTimeoutError{Timeout: r.joinTimeout, Phase: "while waiting for the stream header", Err: ctx.Err()}
	}

	var panicked any
	if timeout == nil {
		r.log.Debug().Uint64("session_id", uint64(handle.ID)).Msg("Decoder active, running workload")
		panicked = runWorkload(workload)
	}

	stopErr := r.controller.Stop(context.WithoutCancel(ctx), r.pid, handle.ID)
	if stopErr != nil {
		r.log.Warn().Err(stopErr).Uint64("session_id", uint64(handle.ID)).Msg("Failed to stop session")
	}

	if timeout == nil {
		select {
		case decodeErr = <-done:
			joined = true
		case <-r.clock.After(r.joinTimeout):
			timeout = &DecodeTimeoutError{Timeout: r.joinTimeout, Phase: "after the session stopped"}
		}
	}
	if !joined {
		// Closing the stream unblocks the decoder's read.
		_ = handle.Stream.Close()
		decodeErr = <-done
	}

	res.LostEvents = dec.LostEvents()
	summary.LostEvents = res.LostEvents
	res.Counts = counts
	res.Summary = summary

	if panicked != nil {
		r.log.Error().Interface("panic", panicked).Msg("Workload panicked")
		panic(panicked)
	}

	res.ValidationErr = validate.Check(expected, counts)

	switch {
	case timeout != nil:
		timeout.Events = summary.Events
		return r.report(res.fail(KindTimeout, timeout))
	case decodeErr != nil:
		return r.report(res.fail(KindDecode, decodeErr))
	case stopErr != nil:
		return r.report(res.fail(KindSessionStop, stopErr))
	case res.ValidationErr != nil:
		return r.report(res.fail(KindMismatch, res.ValidationErr))
	}

	if inspect != nil {
		if err := inspect.Inspect(summary); err != nil {
			return r.report(res.fail(KindInspector, &InspectorError{Err: err}))
		}
	}

	res.Passed = true
	res.Kind = KindPass
	return r.report(res)
}

func runWorkload(workload func()) (panicked any) {
	if workload == nil {
		return nil
	}
	defer func() { panicked = recover() }()
	workload()
	return nil
}

func (r *Runner) report(res *RunResult) *RunResult {
	if res.Passed {
		r.log.Info().
			Uint64("session_id", uint64(res.SessionID)).
			Int("providers", len(res.Counts)).
			Uint64("lost_events", res.LostEvents).
			Msg("Validation passed")
		return res
	}
	r.log.Error().
		Err(res.Err).
		Str("kind", string(res.Kind)).
		Uint64("session_id", uint64(res.SessionID)).
		Str("counts", fmt.Sprint(res.Counts)).
		Msg("Validation failed")
	return res
}
