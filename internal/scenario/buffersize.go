// Package scenario holds canned validation runs against an in-process
// diagnostic server.
package scenario

import (
	"context"
	"fmt"

	plog "github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"tracecheck/internal/config"
	"tracecheck/internal/diagserver"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/harness"
	"tracecheck/internal/logger"
	"tracecheck/internal/validate"
)

// EventID is the id of every event the buffer-size workload writes.
const EventID uint32 = 1

// Runner is the part of harness.Runner a scenario needs.
type Runner interface {
	Run(ctx context.Context, cfg *eventpipe.SessionConfig, workload func(), expected validate.Expectations, inspect harness.Inspector) *harness.RunResult
}

// BufferSize checks that a burst of events survives sessions with small
// circular buffers.
type BufferSize struct {
	Provider      string
	EventCount    int
	PayloadSize   int
	Tolerance     float64
	BufferSizesMB []uint32
	Writers       int
}

// DefaultBufferSize writes 1000 MyEventSource events into 1 and 4 MB sessions
// and accepts 1000 ± 40%.
func DefaultBufferSize() BufferSize {
	return FromConfig(config.DefaultConfig().Scenario)
}

func FromConfig(c config.ScenarioConfig) BufferSize {
	return BufferSize{
		Provider:      c.Provider,
		EventCount:    c.EventCount,
		PayloadSize:   c.PayloadSize,
		Tolerance:     c.Tolerance,
		BufferSizesMB: c.BufferSizesMB,
		Writers:       c.Writers,
	}
}

// Expectations is the table every configuration is checked against.
func (b BufferSize) Expectations() validate.Expectations {
	return validate.Expectations{}.Expect(b.Provider, validate.Within(b.EventCount, b.Tolerance))
}

// Sessions builds one session configuration per buffer size.
func (b BufferSize) Sessions() ([]*eventpipe.SessionConfig, error) {
	out := make([]*eventpipe.SessionConfig, 0, len(b.BufferSizesMB))
	for _, mb := range b.BufferSizesMB {
		cfg, err := eventpipe.NewSessionConfig(mb, eventpipe.FormatNetTrace, eventpipe.NewProvider(b.Provider))
		if err != nil {
			return nil, fmt.Errorf("buffer size %d MB: %w", mb, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Run validates each buffer size in order and stops at the first failure.
// The returned slice ends with the failing result, if any.
func (b BufferSize) Run(ctx context.Context, srv *diagserver.Server, runner Runner) ([]*harness.RunResult, error) {
	log := logger.NewLoggerWithContext("scenario")

	sessions, err := b.Sessions()
	if err != nil {
		return nil, err
	}
	es := srv.NewEventSource(b.Provider)
	expected := b.Expectations()

	results := make([]*harness.RunResult, 0, len(sessions))
	for _, cfg := range sessions {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := runner.Run(ctx, cfg, b.workload(ctx, es), expected, nil)
		results = append(results, res)

		logEvent(log, res).
			Uint32("buffer_mb", cfg.CircularBufferMB()).
			Int("events", res.Counts[b.Provider]).
			Uint64("lost_events", res.LostEvents).
			Msg("Buffer size configuration finished")
		if !res.Passed {
			break
		}
	}
	return results, nil
}

func logEvent(log plog.Logger, res *harness.RunResult) *plog.Entry {
	if res.Passed {
		return log.Info()
	}
	return log.Warn().Err(res.Err).Str("kind", string(res.Kind))
}

// workload splits EventCount writes across Writers goroutines and returns
// once all of them are done.
func (b BufferSize) workload(ctx context.Context, es *diagserver.EventSource) func() {
	payload := make([]byte, b.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	writers := max(b.Writers, 1)

	return func() {
		g, ctx := errgroup.WithContext(ctx)
		for w := range writers {
			n := b.EventCount / writers
			if w < b.EventCount%writers {
				n++
			}
			g.Go(func() error {
				for range n {
					if err := ctx.Err(); err != nil {
						return err
					}
					es.WriteEvent(EventID, payload)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}
