package diagipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"tracecheck/internal/eventpipe"
)

// CommandSet scopes a command.
type CommandSet uint8

const (
	CommandSetEventPipe CommandSet = 0x02
	CommandSetServer    CommandSet = 0xFF
)

// EventPipe commands.
const (
	CommandStopTracing    uint8 = 0x01
	CommandCollectTracing uint8 = 0x02
)

// Server responses.
const (
	ResponseOK    uint8 = 0x00
	ResponseError uint8 = 0xFF
)

// ErrorCode is carried by an error response.
type ErrorCode uint32

const (
	ErrCodeBadEncoding ErrorCode = iota + 1
	ErrCodeUnknownCommand
	ErrCodeUnsupportedFormat
	ErrCodeNoProviders
	ErrCodeBadBufferSize
	ErrCodeSessionNotFound
	ErrCodeSessionStopped
	ErrCodeServerClosing
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeBadEncoding:       "bad encoding",
	ErrCodeUnknownCommand:    "unknown command",
	ErrCodeUnsupportedFormat: "unsupported format",
	ErrCodeNoProviders:       "no providers",
	ErrCodeBadBufferSize:     "bad buffer size",
	ErrCodeSessionNotFound:   "session not found",
	ErrCodeSessionStopped:    "session already stopped",
	ErrCodeServerClosing:     "server closing",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code 0x%08X", uint32(c))
}

// ServerError is an error response decoded from the target.
type ServerError struct {
	Code ErrorCode
}

func (e *ServerError) Error() string {
	return "diagnostic server refused request: " + e.Code.String()
}

var errTruncated = errors.New("diagipc: truncated payload")

// CollectTracingRequest is the decoded payload of a CollectTracing command.
// It is not validated; the server decides which values to refuse.
type CollectTracingRequest struct {
	CircularBufferMB uint32
	Format           eventpipe.Format
	Providers        []eventpipe.Provider
}

// NewCollectTracing encodes a session configuration into a CollectTracing command.
func NewCollectTracing(cfg *eventpipe.SessionConfig) (*Message, error) {
	var buf bytes.Buffer
	providers := cfg.Providers()

	writeU32(&buf, cfg.CircularBufferMB())
	writeU32(&buf, uint32(cfg.Format()))
	writeU32(&buf, uint32(len(providers)))
	for _, p := range providers {
		writeU64(&buf, p.Keywords)
		writeU32(&buf, uint32(p.Level))
		writeU32(&buf, uint32(len(p.Name)))
		buf.WriteString(p.Name)
	}
	return NewMessage(CommandSetEventPipe, CommandCollectTracing, buf.Bytes())
}

// ParseCollectTracing decodes a CollectTracing payload.
func ParseCollectTracing(payload []byte) (*CollectTracingRequest, error) {
	r := payloadReader{b: payload}
	req := &CollectTracingRequest{
		CircularBufferMB: r.u32(),
		Format:           eventpipe.Format(r.u32()),
	}
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	// Each provider needs at least 16 bytes, which bounds the allocation.
	if uint64(count)*16 > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: %d providers", errTruncated, count)
	}

	req.Providers = make([]eventpipe.Provider, 0, count)
	for i := uint32(0); i < count; i++ {
		p := eventpipe.Provider{
			Keywords: r.u64(),
			Level:    eventpipe.EventLevel(r.u32()),
		}
		p.Name = r.str()
		if r.err != nil {
			return nil, r.err
		}
		req.Providers = append(req.Providers, p)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("diagipc: %d trailing bytes in CollectTracing", r.remaining())
	}
	return req, nil
}

// NewStopTracing encodes a StopTracing command.
func NewStopTracing(id eventpipe.SessionID) (*Message, error) {
	var buf bytes.Buffer
	writeU64(&buf, uint64(id))
	return NewMessage(CommandSetEventPipe, CommandStopTracing, buf.Bytes())
}

// ParseStopTracing decodes a StopTracing payload.
func ParseStopTracing(payload []byte) (eventpipe.SessionID, error) {
	if len(payload) != 8 {
		return 0, errTruncated
	}
	return eventpipe.SessionID(binary.LittleEndian.Uint64(payload)), nil
}

// NewOK builds a success response carrying a session id.
func NewOK(id eventpipe.SessionID) *Message {
	var buf bytes.Buffer
	writeU64(&buf, uint64(id))
	m, _ := NewMessage(CommandSetServer, ResponseOK, buf.Bytes())
	return m
}

// NewError builds an error response.
func NewError(code ErrorCode) *Message {
	var buf bytes.Buffer
	writeU32(&buf, uint32(code))
	m, _ := NewMessage(CommandSetServer, ResponseError, buf.Bytes())
	return m
}

// ParseResponse interprets a server response. Error responses are returned as *ServerError.
func ParseResponse(m *Message) (eventpipe.SessionID, error) {
	switch {
	case m.Is(CommandSetServer, ResponseOK):
		if len(m.Payload) != 8 {
			return 0, fmt.Errorf("diagipc: OK response with %d byte payload", len(m.Payload))
		}
		return eventpipe.SessionID(binary.LittleEndian.Uint64(m.Payload)), nil
	case m.Is(CommandSetServer, ResponseError):
		if len(m.Payload) != 4 {
			return 0, fmt.Errorf("diagipc: error response with %d byte payload", len(m.Payload))
		}
		return 0, &ServerError{Code: ErrorCode(binary.LittleEndian.Uint32(m.Payload))}
	default:
		return 0, fmt.Errorf("diagipc: unexpected response 0x%02X/0x%02X", m.Header.CommandSet, m.Header.Command)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// payloadReader reads little-endian fields and remembers the first error.
type payloadReader struct {
	b   []byte
	off int
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n {
		r.err = errTruncated
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *payloadReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *payloadReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *payloadReader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = errors.New("diagipc: provider name is not valid UTF-8")
		return ""
	}
	return string(b)
}

func (r *payloadReader) remaining() int { return len(r.b) - r.off }
