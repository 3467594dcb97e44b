package lwire

import (
	"fmt"

	"github.com/loomnet/loom/lbuf"
)

// Wire binds an [Encoding] to a [*lbuf.Buffer],
// giving payload producers and consumers a typed view
// of the raw byte region.
//
// A Wire is only valid for the buffer instance it was bound to.
// When a session swaps buffers or changes encoding,
// it binds a fresh Wire rather than mutating an old one.
type Wire struct {
	enc Encoding
	buf *lbuf.Buffer
}

// Bind returns a Wire over buf using enc.
func Bind(enc Encoding, buf *lbuf.Buffer) *Wire {
	if enc == nil {
		panic(fmt.Errorf("BUG: Bind called with nil encoding"))
	}
	if buf == nil {
		panic(fmt.Errorf("BUG: Bind called with nil buffer"))
	}
	return &Wire{enc: enc, buf: buf}
}

// Encoding returns the encoding the wire was bound with.
func (w *Wire) Encoding() Encoding {
	return w.enc
}

// Buffer returns the underlying buffer.
func (w *Wire) Buffer() *lbuf.Buffer {
	return w.buf
}

// Bound reports whether the wire is a view over enc and buf.
// Sessions use this to decide whether a rebind is needed.
func (w *Wire) Bound(enc Encoding, buf *lbuf.Buffer) bool {
	return w != nil && w.enc == enc && w.buf == buf
}

// AppendValue serializes v with the wire's encoding
// and appends the bytes to the buffer.
func (w *Wire) AppendValue(v any) error {
	data, err := w.enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", w.enc.Name(), err)
	}
	w.buf.Append(data)
	return nil
}

// DecodeValue deserializes the wire's entire readable window into v
// and consumes it.
//
// A document payload carries exactly one value,
// so the readable window (clamped to the payload by the dispatch loop)
// is decoded as a whole.
func (w *Wire) DecodeValue(v any) error {
	if err := w.enc.Unmarshal(w.buf.Readable(), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", w.enc.Name(), err)
	}
	w.buf.SkipRead(w.buf.ReadRemaining())
	return nil
}

// DocumentFunc populates one outgoing document's payload
// through the provided wire view. Returning an error
// abandons the document.
type DocumentFunc func(w *Wire) error
