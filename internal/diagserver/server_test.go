package diagserver

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracecheck/internal/diagipc"
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/nettrace"
)

const testPID = 4242

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "diag")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv, err := Start(context.Background(), Options{Dir: dir, PID: testPID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, dir
}

func send(t *testing.T, dir string, m *diagipc.Message) (net.Conn, eventpipe.SessionID, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := diagipc.Dial(ctx, dir, testPID)
	require.NoError(t, err)
	reply, err := diagipc.RoundTrip(ctx, conn, m)
	require.NoError(t, err)
	id, err := diagipc.ParseResponse(reply)
	return conn, id, err
}

func collect(t *testing.T, dir string, bufferMB uint32, providers ...eventpipe.Provider) (*nettrace.Decoder, net.Conn, eventpipe.SessionID) {
	t.Helper()
	cfg, err := eventpipe.NewSessionConfig(bufferMB, eventpipe.FormatNetTrace, providers...)
	require.NoError(t, err)
	m, err := diagipc.NewCollectTracing(cfg)
	require.NoError(t, err)

	conn, id, err := send(t, dir, m)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	d := nettrace.NewDecoder(conn)
	require.NoError(t, d.ReadHeader())
	return d, conn, id
}

func stop(t *testing.T, dir string, id eventpipe.SessionID) error {
	t.Helper()
	m, err := diagipc.NewStopTracing(id)
	require.NoError(t, err)
	conn, _, err := send(t, dir, m)
	conn.Close()
	return err
}

func drain(t *testing.T, d *nettrace.Decoder) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	d.OnEvent(func(rec *nettrace.EventRecord) { counts[rec.Provider]++ })
	require.NoError(t, d.Process())
	return counts
}

func TestCollectAndStop(t *testing.T) {
	srv, dir := startServer(t)
	mine := srv.NewEventSource("MyEventSource")
	other := srv.NewEventSource("Other")
	assert.False(t, mine.IsEnabled())

	d, _, id := collect(t, dir, 1, eventpipe.NewProvider("MyEventSource"))
	assert.EqualValues(t, 1, id, "session ids start at 1")
	assert.True(t, mine.IsEnabled())
	assert.False(t, other.IsEnabled())

	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, mine.WriteEvent(1, []byte("payload")))
		assert.Equal(t, 0, other.WriteEvent(1, nil))
	}
	require.NoError(t, stop(t, dir, id))

	counts := drain(t, d)
	assert.Equal(t, map[string]int{"MyEventSource": 100}, counts)
	assert.Zero(t, d.LostEvents())
	assert.False(t, mine.IsEnabled())

	stats := srv.Stats()
	require.Len(t, stats, 1)
	assert.False(t, stats[0].Active)
	assert.EqualValues(t, 100, stats[0].EventsWritten)
	assert.EqualValues(t, 1<<20, stats[0].BufferBytes)
}

func TestEventsKeepOrder(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("A")
	d, _, id := collect(t, dir, 4, eventpipe.NewProvider("A"))

	for i := uint32(0); i < 50; i++ {
		es.WriteEvent(i, nil)
	}
	require.NoError(t, stop(t, dir, id))

	var ids []uint32
	var last uint64
	for rec, err := range d.All() {
		require.NoError(t, err)
		assert.Greater(t, rec.Sequence, last)
		last = rec.Sequence
		ids = append(ids, rec.EventID)
	}
	require.Len(t, ids, 50)
	for i, got := range ids {
		assert.EqualValues(t, i, got)
	}
}

func TestConcurrentWritersKeepSequenceOrder(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("A")
	d, _, id := collect(t, dir, 4, eventpipe.NewProvider("A"))

	const writers, perWriter = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				es.WriteEvent(uint32(w), nil)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, stop(t, dir, id))

	var last uint64
	n := 0
	for rec, err := range d.All() {
		require.NoError(t, err)
		require.Equal(t, last+1, rec.Sequence, "sequence numbers follow stream order")
		last = rec.Sequence
		n++
	}
	assert.Equal(t, writers*perWriter, n)
	assert.Zero(t, d.LostEvents())
}

func TestOverflowReportsLostEvents(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("Big")
	d, _, id := collect(t, dir, 1, eventpipe.NewProvider("Big"))

	// Nothing reads the stream yet, so the socket and then the 1 MiB buffer fill up.
	const total = 100
	payload := make([]byte, 64<<10)
	for i := 0; i < total; i++ {
		es.WriteEvent(1, payload)
	}
	require.NoError(t, stop(t, dir, id))

	counts := drain(t, d)
	assert.Positive(t, d.LostEvents())
	assert.EqualValues(t, total, uint64(counts["Big"])+d.LostEvents())
}

func TestLevelAndKeywordFiltering(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("Filtered")
	d, _, id := collect(t, dir, 1, eventpipe.Provider{Name: "Filtered", Keywords: 0x2, Level: eventpipe.LevelWarning})

	assert.True(t, es.IsEnabled())
	assert.True(t, es.IsEnabledFor(eventpipe.LevelError, 0x2))
	assert.True(t, es.IsEnabledFor(eventpipe.LevelWarning, 0))
	assert.False(t, es.IsEnabledFor(eventpipe.LevelVerbose, 0x2))
	assert.False(t, es.IsEnabledFor(eventpipe.LevelError, 0x4))
	assert.False(t, es.IsEnabledFor(eventpipe.LevelInformational, 0))

	assert.Equal(t, 1, es.WriteEventLevel(1, eventpipe.LevelError, 0x2, nil))
	assert.Equal(t, 1, es.WriteEventLevel(2, eventpipe.LevelWarning, 0, nil))
	assert.Equal(t, 0, es.WriteEventLevel(3, eventpipe.LevelVerbose, 0x2, nil))
	assert.Equal(t, 0, es.WriteEventLevel(4, eventpipe.LevelError, 0x4, nil))
	assert.Equal(t, 0, es.WriteEvent(5, nil), "Informational is above Warning")
	require.NoError(t, stop(t, dir, id))

	assert.Equal(t, 2, drain(t, d)["Filtered"])
}

func TestStopErrors(t *testing.T) {
	_, dir := startServer(t)
	_, _, id := collect(t, dir, 1, eventpipe.NewProvider("A"))

	require.NoError(t, stop(t, dir, id))

	var serr *diagipc.ServerError
	err := stop(t, dir, id)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, diagipc.ErrCodeSessionStopped, serr.Code)

	err = stop(t, dir, 99)
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, diagipc.ErrCodeSessionNotFound, serr.Code)
}

func TestRefusedSessions(t *testing.T) {
	_, dir := startServer(t)

	netperf, err := eventpipe.NewSessionConfig(1, eventpipe.FormatNetPerf, eventpipe.NewProvider("A"))
	require.NoError(t, err)
	m, err := diagipc.NewCollectTracing(netperf)
	require.NoError(t, err)

	noProviders := make([]byte, 12)
	binary.LittleEndian.PutUint32(noProviders[0:], 1)
	binary.LittleEndian.PutUint32(noProviders[4:], uint32(eventpipe.FormatNetTrace))
	empty, err := diagipc.NewMessage(diagipc.CommandSetEventPipe, diagipc.CommandCollectTracing, noProviders)
	require.NoError(t, err)

	zeroBuffer := append([]byte(nil), m.Payload...)
	binary.LittleEndian.PutUint32(zeroBuffer[0:], 0)
	binary.LittleEndian.PutUint32(zeroBuffer[4:], uint32(eventpipe.FormatNetTrace))
	zero, err := diagipc.NewMessage(diagipc.CommandSetEventPipe, diagipc.CommandCollectTracing, zeroBuffer)
	require.NoError(t, err)

	unknown, err := diagipc.NewMessage(diagipc.CommandSetEventPipe, 0x7F, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  *diagipc.Message
		code diagipc.ErrorCode
	}{
		{"netperf", m, diagipc.ErrCodeUnsupportedFormat},
		{"no providers", empty, diagipc.ErrCodeNoProviders},
		{"zero buffer", zero, diagipc.ErrCodeBadBufferSize},
		{"unknown command", unknown, diagipc.ErrCodeUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := send(t, dir, tt.msg)
			defer conn.Close()
			var serr *diagipc.ServerError
			require.True(t, errors.As(err, &serr), "got %v", err)
			assert.Equal(t, tt.code, serr.Code)
		})
	}
}

func TestCloseEndsSessions(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("A")
	d, _, _ := collect(t, dir, 1, eventpipe.NewProvider("A"))
	es.WriteEvent(1, nil)

	require.NoError(t, srv.Close())
	assert.Equal(t, 1, drain(t, d)["A"])

	_, err := os.Stat(srv.Endpoint())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestClientHangupEndsSession(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("A")
	_, conn, id := collect(t, dir, 1, eventpipe.NewProvider("A"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !es.IsEnabled() }, 5*time.Second, 10*time.Millisecond)

	var serr *diagipc.ServerError
	require.True(t, errors.As(stop(t, dir, id), &serr))
	assert.Equal(t, diagipc.ErrCodeSessionStopped, serr.Code)
}

func TestTwoSessionsSeeTheSameEvents(t *testing.T) {
	srv, dir := startServer(t)
	es := srv.NewEventSource("A")
	d1, _, id1 := collect(t, dir, 1, eventpipe.NewProvider("A"))
	d2, _, id2 := collect(t, dir, 1, eventpipe.NewProvider("A"))
	assert.NotEqual(t, id1, id2)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 2, es.WriteEvent(1, nil))
	}
	require.NoError(t, stop(t, dir, id1))
	require.NoError(t, stop(t, dir, id2))

	assert.Equal(t, 10, drain(t, d1)["A"])
	assert.Equal(t, 10, drain(t, d2)["A"])
}
