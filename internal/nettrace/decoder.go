package nettrace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"time"
	"unicode/utf8"
)

// DecodeError reports a malformed stream. Offset is the byte offset of the
// frame (or header) that could not be decoded.
type DecodeError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("trace decode failed at offset %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EventCallback receives every decoded event, in arrival order.
type EventCallback func(rec *EventRecord)

// Decoder pulls events from a trace stream. After a DecodeError the decoder
// is unusable and keeps returning that error.
type Decoder struct {
	r      *bufio.Reader
	offset int64

	headerDone bool
	err        error

	callbacks []EventCallback

	body      []byte
	lost      uint64
	events    uint64
	providers []string
	seen      map[string]struct{}
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:    bufio.NewReaderSize(r, 64*1024),
		seen: make(map[string]struct{}),
	}
}

// OnEvent registers a callback invoked by Process for each event.
func (d *Decoder) OnEvent(cb EventCallback) {
	d.callbacks = append(d.callbacks, cb)
}

// ReadHeader consumes the stream header. Next calls it implicitly; calling
// it up front confirms the stream is live before any event arrives.
func (d *Decoder) ReadHeader() error {
	if d.headerDone {
		return nil
	}
	if d.err != nil {
		return d.err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return d.fail(0, "reading stream header", err)
	}
	if string(hdr[:len(Magic)]) != Magic {
		return d.fail(0, fmt.Sprintf("bad magic %q", hdr[:len(Magic)]), nil)
	}
	if v := binary.LittleEndian.Uint32(hdr[len(Magic):]); v != Version {
		return d.fail(0, fmt.Sprintf("unsupported stream version %d", v), nil)
	}
	d.offset = headerSize
	d.headerDone = true
	return nil
}

// Next returns the next event. It returns io.EOF at the natural end of the
// stream: an end-of-stream frame, or the stream ending on a frame boundary.
func (d *Decoder) Next() (EventRecord, error) {
	if err := d.ReadHeader(); err != nil {
		return EventRecord{}, err
	}

	for {
		if d.err != nil {
			return EventRecord{}, d.err
		}

		frameStart := d.offset
		var fh [frameHeaderSize]byte
		n, err := io.ReadFull(d.r, fh[:])
		if err != nil {
			if n == 0 && isStreamEnd(err) {
				d.err = io.EOF
				return EventRecord{}, io.EOF
			}
			return EventRecord{}, d.fail(frameStart, "reading frame header", err)
		}

		kind := FrameKind(fh[0])
		size := binary.LittleEndian.Uint32(fh[1:])
		if size > MaxFrameBody {
			return EventRecord{}, d.fail(frameStart, fmt.Sprintf("%s frame body of %d bytes exceeds limit", kind, size), nil)
		}

		if cap(d.body) < int(size) {
			d.body = make([]byte, size)
		}
		body := d.body[:size]
		if _, err := io.ReadFull(d.r, body); err != nil {
			return EventRecord{}, d.fail(frameStart, fmt.Sprintf("reading %s frame body", kind), err)
		}
		d.offset += frameHeaderSize + int64(size)

		switch kind {
		case FrameEvent:
			rec, reason := parseEvent(body)
			if reason != "" {
				return EventRecord{}, d.fail(frameStart, reason, nil)
			}
			d.events++
			if _, ok := d.seen[rec.Provider]; !ok {
				d.seen[rec.Provider] = struct{}{}
				d.providers = append(d.providers, rec.Provider)
			}
			return rec, nil

		case FrameLostEvents:
			if size != 8 {
				return EventRecord{}, d.fail(frameStart, fmt.Sprintf("LostEvents frame body is %d bytes", size), nil)
			}
			d.lost += binary.LittleEndian.Uint64(body)

		case FrameEndOfStream:
			if size != 0 {
				return EventRecord{}, d.fail(frameStart, "EndOfStream frame has a body", nil)
			}
			d.err = io.EOF
			return EventRecord{}, io.EOF

		default:
			return EventRecord{}, d.fail(frameStart, fmt.Sprintf("unknown frame kind 0x%02X", uint8(kind)), nil)
		}
	}
}

// Process decodes until the stream ends, invoking the registered callbacks
// for each event. It returns nil on a natural end.
func (d *Decoder) Process() error {
	for {
		rec, err := d.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		for _, cb := range d.callbacks {
			cb(&rec)
		}
	}
}

// All iterates over the remaining events. A decode error is yielded once as
// the final element; the natural end is not.
func (d *Decoder) All() iter.Seq2[EventRecord, error] {
	return func(yield func(EventRecord, error) bool) {
		for {
			rec, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// LostEvents is the number of events the target reported as dropped so far.
func (d *Decoder) LostEvents() uint64 { return d.lost }

// EventsDecoded is the number of event frames returned so far.
func (d *Decoder) EventsDecoded() uint64 { return d.events }

// Providers lists provider names in the order they were first seen.
func (d *Decoder) Providers() []string {
	return append([]string(nil), d.providers...)
}

// Offset is the number of stream bytes consumed.
func (d *Decoder) Offset() int64 { return d.offset }

func (d *Decoder) fail(offset int64, reason string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	derr := &DecodeError{Offset: offset, Reason: reason, Err: err}
	d.err = derr
	return derr
}

func parseEvent(body []byte) (EventRecord, string) {
	if len(body) < eventFixedSize {
		return EventRecord{}, fmt.Sprintf("event body of %d bytes is shorter than %d", len(body), eventFixedSize)
	}
	nameLen := int(binary.LittleEndian.Uint16(body[20:22]))
	if nameLen == 0 {
		return EventRecord{}, "event has an empty provider name"
	}
	if eventFixedSize+nameLen > len(body) {
		return EventRecord{}, fmt.Sprintf("provider name of %d bytes overruns the frame", nameLen)
	}
	name := body[eventFixedSize : eventFixedSize+nameLen]
	if !utf8.Valid(name) {
		return EventRecord{}, "provider name is not valid UTF-8"
	}

	return EventRecord{
		Sequence:  binary.LittleEndian.Uint64(body[0:8]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(body[8:16]))),
		EventID:   binary.LittleEndian.Uint32(body[16:20]),
		Provider:  string(name),
		Payload:   body[eventFixedSize+nameLen:],
	}, ""
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
