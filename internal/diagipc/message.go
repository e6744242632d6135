// Package diagipc implements the diagnostic control channel: a small framed
// request/response protocol spoken over a per-process Unix socket.
package diagipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic identifies version 1 of the protocol. It is NUL terminated and padded to 14 bytes.
var Magic = [14]byte{'T', 'R', 'A', 'C', 'E', 'C', 'H', 'E', 'C', 'K', '_', 'V', '1', 0}

// HeaderSize is the encoded size of Header.
const HeaderSize = 20

// MaxMessageSize is the largest message the 16-bit size field can describe.
const MaxMessageSize = math.MaxUint16

var (
	ErrBadMagic        = errors.New("diagipc: bad magic")
	ErrMessageTooLarge = errors.New("diagipc: message exceeds 65535 bytes")
	ErrBadSize         = errors.New("diagipc: size smaller than header")
)

// Header precedes every command and response.
type Header struct {
	Magic      [14]byte
	Size       uint16 // header + payload
	CommandSet CommandSet
	Command    uint8
	Reserved   uint16
}

// Message is a decoded header with its opaque payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message and fills in the size field.
func NewMessage(set CommandSet, command uint8, payload []byte) (*Message, error) {
	total := HeaderSize + len(payload)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)
	}
	return &Message{
		Header: Header{
			Magic:      Magic,
			Size:       uint16(total),
			CommandSet: set,
			Command:    command,
		},
		Payload: payload,
	}, nil
}

// Is reports whether the message carries the given command.
func (m *Message) Is(set CommandSet, command uint8) bool {
	return m.Header.CommandSet == set && m.Header.Command == command
}

// WriteTo writes the header and payload in a single call.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(m.Payload)))
	_ = binary.Write(buf, binary.LittleEndian, m.Header)
	buf.Write(m.Payload)
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadMessage reads one message. A short read of the header or payload is
// reported as io.ErrUnexpectedEOF; a clean EOF before any byte is io.EOF.
func ReadMessage(r io.Reader) (*Message, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, ErrBadMagic
	}
	if h.Size < HeaderSize {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, h.Size)
	}

	payload := make([]byte, int(h.Size)-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Message{Header: h, Payload: payload}, nil
}
