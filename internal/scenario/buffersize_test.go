package scenario

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracecheck/internal/controller"
	"tracecheck/internal/diagserver"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/harness"
	"tracecheck/internal/validate"
)

func startServer(t *testing.T) (*diagserver.Server, *harness.Runner) {
	t.Helper()
	dir, err := os.MkdirTemp("", "scn")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv, err := diagserver.Start(context.Background(), diagserver.Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctl := controller.New(controller.Options{SocketDir: dir})
	return srv, harness.NewRunner(ctl, srv.PID())
}

func TestDefaultBufferSize(t *testing.T) {
	b := DefaultBufferSize()
	assert.Equal(t, "MyEventSource", b.Provider)
	assert.Equal(t, 1000, b.EventCount)
	assert.Equal(t, []uint32{1, 4}, b.BufferSizesMB)

	exp := b.Expectations()
	require.Len(t, exp, 1)
	lo, hi := exp[0].Expected.Bounds()
	assert.Equal(t, 600, lo)
	assert.Equal(t, 1400, hi)
}

func TestBufferSizeEndToEnd(t *testing.T) {
	for _, writers := range []int{1, 4} {
		srv, runner := startServer(t)
		b := DefaultBufferSize()
		b.Writers = writers

		results, err := b.Run(context.Background(), srv, runner)
		require.NoError(t, err)
		require.Len(t, results, 2, "writers=%d", writers)
		for i, res := range results {
			assert.True(t, res.Passed, "writers=%d buffer=%dMB: %v", writers, b.BufferSizesMB[i], res.Err)
			assert.Equal(t, b.BufferSizesMB[i], res.Config.CircularBufferMB())
			assert.Equal(t, 1000, res.Counts["MyEventSource"])
			assert.Equal(t, 1000, res.Summary.Providers["MyEventSource"].EventIDs[EventID])
		}
	}
}

func TestSessionsRejectsZeroBuffer(t *testing.T) {
	b := DefaultBufferSize()
	b.BufferSizesMB = []uint32{1, 0}
	_, err := b.Sessions()
	var cerr *eventpipe.ConfigError
	assert.ErrorAs(t, err, &cerr)
}

type scriptedRunner struct {
	kinds []harness.FailureKind
	calls int
}

func (r *scriptedRunner) Run(ctx context.Context, cfg *eventpipe.SessionConfig, workload func(), expected validate.Expectations, inspect harness.Inspector) *harness.RunResult {
	kind := r.kinds[r.calls]
	r.calls++
	workload()
	return &harness.RunResult{Passed: kind == harness.KindPass, Kind: kind, Config: cfg, Counts: map[string]int{}}
}

func TestStopsAtFirstFailure(t *testing.T) {
	srv, _ := startServer(t)
	b := DefaultBufferSize()
	b.BufferSizesMB = []uint32{1, 2, 4}
	r := &scriptedRunner{kinds: []harness.FailureKind{harness.KindPass, harness.KindMismatch, harness.KindPass}}

	results, err := b.Run(context.Background(), srv, r)
	require.NoError(t, err)
	assert.Equal(t, 2, r.calls)
	require.Len(t, results, 2)
	assert.False(t, results[1].Passed)
	assert.Equal(t, uint32(2), results[1].Config.CircularBufferMB())
}

func TestCancelledBeforeStart(t *testing.T) {
	srv, _ := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &scriptedRunner{kinds: []harness.FailureKind{harness.KindPass}}
	results, err := DefaultBufferSize().Run(ctx, srv, r)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, results)
	assert.Zero(t, r.calls)
}
