package lbuf

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a growable byte region with an independent read cursor,
// read limit, and write cursor.
//
// The readable window is the region between the read cursor and
// the read limit. Appending bytes advances the write cursor and
// re-extends the read limit to match it, so in the common case
// everything written and not yet read is readable.
// [*Buffer.SetReadLimit] temporarily narrows the window,
// which the framing layer uses to clamp a handler's view
// to exactly one document's payload.
//
// Components share views of one Buffer; they never copy it.
// Methods on Buffer are not safe for concurrent use.
type Buffer struct {
	data []byte

	rpos int
	rlim int
	wpos int

	// Soft capacity target in bytes.
	// The buffer grows past it freely;
	// it only drives WriteRemaining and backpressure decisions.
	target int
}

// NewBuffer returns a Buffer with the given soft capacity target.
// The target must be positive.
func NewBuffer(target int) *Buffer {
	if target <= 0 {
		panic(fmt.Errorf(
			"ILLEGAL: buffer capacity target must be positive (got %d)", target,
		))
	}

	return &Buffer{
		data:   make([]byte, 0, min(target, 4096)),
		target: target,
	}
}

// Target returns the soft capacity target the buffer was created with.
func (b *Buffer) Target() int {
	return b.target
}

// ReadRemaining reports how many bytes are readable,
// i.e. the distance from the read cursor to the read limit.
func (b *Buffer) ReadRemaining() int {
	return b.rlim - b.rpos
}

// WriteRemaining reports how far the write cursor is below
// the soft capacity target. The value is negative once the
// buffer has grown past its target.
func (b *Buffer) WriteRemaining() int {
	return b.target - b.wpos
}

// ReadPos returns the current read cursor.
func (b *Buffer) ReadPos() int {
	return b.rpos
}

// SetReadPos moves the read cursor to pos.
// pos may land anywhere in the written region,
// including before the current cursor (rewind)
// or past the current read limit (discarding clamped bytes).
func (b *Buffer) SetReadPos(pos int) {
	if pos < 0 || pos > b.wpos {
		panic(fmt.Errorf(
			"ILLEGAL: read position %d outside written region [0, %d]",
			pos, b.wpos,
		))
	}
	b.rpos = pos
}

// SkipRead advances the read cursor by n bytes.
func (b *Buffer) SkipRead(n int) {
	b.SetReadPos(b.rpos + n)
}

// ReadLimit returns the current read limit.
func (b *Buffer) ReadLimit() int {
	return b.rlim
}

// SetReadLimit moves the read limit.
// The framing layer clamps the limit to a document boundary
// before dispatch and restores the prior value afterwards.
func (b *Buffer) SetReadLimit(lim int) {
	if lim < 0 || lim > b.wpos {
		panic(fmt.Errorf(
			"ILLEGAL: read limit %d outside written region [0, %d]",
			lim, b.wpos,
		))
	}
	b.rlim = lim
}

// WritePos returns the current write cursor,
// i.e. the number of bytes written and not yet compacted away.
func (b *Buffer) WritePos() int {
	return b.wpos
}

// Readable returns a view of the readable window.
// The view is invalidated by any subsequent append, compact, or reset.
func (b *Buffer) Readable() []byte {
	return b.data[b.rpos:b.rlim]
}

// WrittenSince returns a view of the bytes written at or after pos.
// Like Readable, the view is invalidated by any subsequent
// append, compact, or reset.
func (b *Buffer) WrittenSince(pos int) []byte {
	if pos < 0 || pos > b.wpos {
		panic(fmt.Errorf(
			"ILLEGAL: position %d outside written region [0, %d]", pos, b.wpos,
		))
	}
	return b.data[pos:b.wpos]
}

// PeekUint32 returns the little-endian uint32 at the read cursor
// without consuming it.
//
// The caller must have already checked ReadRemaining.
func (b *Buffer) PeekUint32() uint32 {
	if b.ReadRemaining() < 4 {
		panic(fmt.Errorf(
			"BUG: PeekUint32 with only %d readable bytes", b.ReadRemaining(),
		))
	}
	return binary.LittleEndian.Uint32(b.data[b.rpos:])
}

// Append copies p to the end of the written region,
// growing the backing storage as needed.
// The read limit is re-extended to the new write cursor.
func (b *Buffer) Append(p []byte) {
	b.ensure(len(p))
	b.data = append(b.data, p...)
	b.wpos += len(p)
	b.rlim = b.wpos
}

// AppendUint32 appends v in little-endian order.
func (b *Buffer) AppendUint32(v uint32) {
	b.ensure(4)
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	b.wpos += 4
	b.rlim = b.wpos
}

// SetUint32At overwrites the four bytes at pos with v in little-endian order,
// without moving any cursor. Used to patch a reserved document header.
func (b *Buffer) SetUint32At(pos int, v uint32) {
	if pos < 0 || pos+4 > b.wpos {
		panic(fmt.Errorf(
			"ILLEGAL: uint32 patch at %d outside written region [0, %d]",
			pos, b.wpos,
		))
	}
	binary.LittleEndian.PutUint32(b.data[pos:], v)
}

// Write implements io.Writer over Append. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// TruncateWrite discards everything written at or after pos,
// rolling the write cursor back.
// The read cursor and limit are pulled back if they sat past pos.
func (b *Buffer) TruncateWrite(pos int) {
	if pos < 0 || pos > b.wpos {
		panic(fmt.Errorf(
			"ILLEGAL: truncate position %d outside written region [0, %d]",
			pos, b.wpos,
		))
	}

	b.data = b.data[:pos]
	b.wpos = pos
	if b.rlim > pos {
		b.rlim = pos
	}
	if b.rpos > pos {
		b.rpos = pos
	}
}

// Compact discards the consumed prefix,
// moving any unread bytes to the front of the buffer.
// Views previously returned by Readable are invalidated.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}

	n := copy(b.data, b.data[b.rpos:b.wpos])
	b.data = b.data[:n]
	b.wpos = n
	b.rlim -= b.rpos
	b.rpos = 0
}

// Reset empties the buffer, retaining the backing storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.rpos = 0
	b.rlim = 0
	b.wpos = 0
}

// Empty reports whether the buffer holds no written bytes.
func (b *Buffer) Empty() bool {
	return b.wpos == 0
}

func (b *Buffer) ensure(n int) {
	need := b.wpos + n
	if need <= cap(b.data) {
		return
	}

	newCap := max(cap(b.data)*2, 256)
	for newCap < need {
		newCap *= 2
	}

	grown := make([]byte, b.wpos, newCap)
	copy(grown, b.data)
	b.data = grown
}
