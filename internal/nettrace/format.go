// Package nettrace reads and writes the live trace stream a diagnostic
// session produces: a short header followed by length-prefixed frames.
package nettrace

import (
	"time"
)

// Magic opens every stream.
const Magic = "Nettrace"

// Version is the only stream version this package understands.
const Version uint32 = 1

const (
	headerSize      = len(Magic) + 4
	frameHeaderSize = 5
	eventFixedSize  = 8 + 8 + 4 + 2

	// MaxFrameBody bounds the body length a decoder will accept.
	MaxFrameBody = 1 << 24
)

// FrameKind tags each frame.
type FrameKind uint8

const (
	FrameEvent       FrameKind = 0x01
	FrameLostEvents  FrameKind = 0x02
	FrameEndOfStream FrameKind = 0xFF
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "Event"
	case FrameLostEvents:
		return "LostEvents"
	case FrameEndOfStream:
		return "EndOfStream"
	default:
		return "Unknown"
	}
}

// EventRecord is one decoded event. Payload aliases decoder memory and is
// only valid until the next call to Next; use Clone to keep it.
type EventRecord struct {
	Sequence  uint64
	Timestamp time.Time
	EventID   uint32
	Provider  string
	Payload   []byte
}

// Clone returns a copy that owns its payload.
func (r EventRecord) Clone() EventRecord {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	return r
}

// EventFrameSize is the encoded size of an event frame, header included.
func EventFrameSize(provider string, payloadLen int) int {
	return frameHeaderSize + eventFixedSize + len(provider) + payloadLen
}
