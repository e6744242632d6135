package diagipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracecheck/internal/eventpipe"
)

func TestHeaderLayout(t *testing.T) {
	m, err := NewMessage(CommandSetEventPipe, CommandStopTracing, []byte{1, 2, 3})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, HeaderSize+3, n)

	raw := buf.Bytes()
	assert.Equal(t, "TRACECHECK_V1\x00", string(raw[:14]))
	assert.Equal(t, []byte{23, 0}, raw[14:16], "size is little endian and includes the header")
	assert.Equal(t, byte(0x02), raw[16])
	assert.Equal(t, byte(0x01), raw[17])
	assert.Equal(t, []byte{0, 0}, raw[18:20])
	assert.Equal(t, []byte{1, 2, 3}, raw[20:])
}

func TestNewMessageRejectsOversize(t *testing.T) {
	_, err := NewMessage(CommandSetEventPipe, CommandCollectTracing, make([]byte, MaxMessageSize-HeaderSize))
	require.NoError(t, err)

	_, err = NewMessage(CommandSetEventPipe, CommandCollectTracing, make([]byte, MaxMessageSize-HeaderSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadMessageErrors(t *testing.T) {
	good, err := NewMessage(CommandSetServer, ResponseOK, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = good.WriteTo(&buf)
	valid := buf.Bytes()

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'X'

	tooSmall := append([]byte(nil), valid...)
	tooSmall[14], tooSmall[15] = 4, 0

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, io.EOF},
		{"short header", valid[:10], io.ErrUnexpectedEOF},
		{"short payload", valid[:HeaderSize+3], io.ErrUnexpectedEOF},
		{"header only", valid[:HeaderSize], io.ErrUnexpectedEOF},
		{"bad magic", badMagic, ErrBadMagic},
		{"size below header", tooSmall, ErrBadSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.in))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCollectTracingEncoding(t *testing.T) {
	cfg, err := eventpipe.NewSessionConfig(4, eventpipe.FormatNetTrace,
		eventpipe.Provider{Name: "MyEventSource", Keywords: 0xF0, Level: eventpipe.LevelInformational},
		eventpipe.NewProvider("Other"),
	)
	require.NoError(t, err)

	m, err := NewCollectTracing(cfg)
	require.NoError(t, err)
	assert.True(t, m.Is(CommandSetEventPipe, CommandCollectTracing))
	assert.EqualValues(t, HeaderSize+len(m.Payload), m.Header.Size)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	got, err := ReadMessage(&buf)
	require.NoError(t, err)

	req, err := ParseCollectTracing(got.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 4, req.CircularBufferMB)
	assert.Equal(t, eventpipe.FormatNetTrace, req.Format)
	assert.Equal(t, cfg.Providers(), req.Providers)
}

func TestCollectTracingTooManyProviders(t *testing.T) {
	providers := make([]eventpipe.Provider, 0, 400)
	for i := 0; i < 400; i++ {
		providers = append(providers, eventpipe.NewProvider(strings.Repeat("p", 200)))
	}
	cfg, err := eventpipe.NewSessionConfig(1, eventpipe.FormatNetTrace, providers...)
	require.NoError(t, err)

	_, err = NewCollectTracing(cfg)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestParseCollectTracingMalformed(t *testing.T) {
	cfg, err := eventpipe.NewSessionConfig(1, eventpipe.FormatNetTrace, eventpipe.NewProvider("A"))
	require.NoError(t, err)
	m, err := NewCollectTracing(cfg)
	require.NoError(t, err)

	_, err = ParseCollectTracing(m.Payload[:len(m.Payload)-1])
	assert.Error(t, err)

	_, err = ParseCollectTracing(append(append([]byte(nil), m.Payload...), 0))
	assert.Error(t, err)

	huge := append([]byte(nil), m.Payload...)
	huge[8], huge[9], huge[10], huge[11] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err = ParseCollectTracing(huge)
	assert.Error(t, err)
}

func TestResponses(t *testing.T) {
	id, err := ParseResponse(NewOK(42))
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = ParseResponse(NewError(ErrCodeSessionStopped))
	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, ErrCodeSessionStopped, serr.Code)
	assert.Contains(t, err.Error(), "already stopped")

	stop, err := NewStopTracing(7)
	require.NoError(t, err)
	_, err = ParseResponse(stop)
	assert.Error(t, err)

	got, err := ParseStopTracing(stop.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got)
}

func TestListenDial(t *testing.T) {
	dir, err := os.MkdirTemp("", "diag")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	// A leftover file from a previous process must not block Listen.
	require.NoError(t, os.WriteFile(SocketPath(dir, 99), nil, 0o600))

	l, err := Listen(dir, 99)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := ReadMessage(conn)
		if err != nil {
			return
		}
		id, _ := ParseStopTracing(req.Payload)
		_, _ = NewOK(id).WriteTo(conn)
	}()

	ctx := context.Background()
	conn, err := Dial(ctx, dir, 99)
	require.NoError(t, err)
	defer conn.Close()

	req, err := NewStopTracing(5)
	require.NoError(t, err)
	reply, err := RoundTrip(ctx, conn, req)
	require.NoError(t, err)
	id, err := ParseResponse(reply)
	require.NoError(t, err)
	assert.EqualValues(t, 5, id)
}

func TestRoundTripCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _, _ = ReadMessage(server) }()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := NewStopTracing(1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := RoundTrip(ctx, client, req)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
