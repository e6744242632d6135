package nettrace

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writer encodes a trace stream. Every frame is written with a single call
// to the underlying writer. Writer is not safe for concurrent use.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, 256)}
}

// WriteHeader writes the stream magic and version. It must be called first.
func (w *Writer) WriteHeader() error {
	b := append(w.buf[:0], Magic...)
	b = binary.LittleEndian.AppendUint32(b, Version)
	w.buf = b
	_, err := w.w.Write(b)
	return err
}

// WriteEvent writes an event frame.
func (w *Writer) WriteEvent(rec *EventRecord) error {
	if len(rec.Provider) > math.MaxUint16 {
		return fmt.Errorf("nettrace: provider name is %d bytes long", len(rec.Provider))
	}
	bodyLen := eventFixedSize + len(rec.Provider) + len(rec.Payload)
	if bodyLen > MaxFrameBody {
		return fmt.Errorf("nettrace: event body of %d bytes exceeds limit", bodyLen)
	}

	b := w.frame(FrameEvent, bodyLen)
	b = binary.LittleEndian.AppendUint64(b, rec.Sequence)
	b = binary.LittleEndian.AppendUint64(b, uint64(rec.Timestamp.UnixNano()))
	b = binary.LittleEndian.AppendUint32(b, rec.EventID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(rec.Provider)))
	b = append(b, rec.Provider...)
	b = append(b, rec.Payload...)
	return w.flush(b)
}

// WriteLostEvents reports events the target dropped since the previous report.
func (w *Writer) WriteLostEvents(count uint64) error {
	b := w.frame(FrameLostEvents, 8)
	b = binary.LittleEndian.AppendUint64(b, count)
	return w.flush(b)
}

// WriteEndOfStream marks the natural end of the stream.
func (w *Writer) WriteEndOfStream() error {
	return w.flush(w.frame(FrameEndOfStream, 0))
}

func (w *Writer) frame(kind FrameKind, bodyLen int) []byte {
	b := append(w.buf[:0], byte(kind))
	return binary.LittleEndian.AppendUint32(b, uint32(bodyLen))
}

func (w *Writer) flush(b []byte) error {
	w.buf = b
	_, err := w.w.Write(b)
	return err
}
