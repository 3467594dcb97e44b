package lframe

import (
	"fmt"
)

// HeaderSize is the number of bytes in a document header word.
const HeaderSize = 4

// MaxLength is the exclusive upper bound on a document's payload length.
// A decoded length at or above this bound means the stream is corrupt.
const MaxLength = 1 << 23

const (
	notReadyBit = 1 << 31
	metadataBit = 1 << 30
	lengthMask  = 1<<30 - 1
)

// Header is the decoded form of the 4-byte word prefixing each document.
//
// The length never includes the header word itself.
type Header struct {
	// IsData distinguishes an application payload document
	// from a system/control (metadata) document.
	IsData bool

	// NotReady marks a document telling the peer
	// that a full reply is not available yet.
	NotReady bool

	// Number of payload bytes following the header.
	Length uint32
}

// CorruptHeaderError indicates a header word whose length field
// is outside the protocol's bound.
// It is fatal for the connection; the caller is expected to
// terminate rather than resynchronize.
type CorruptHeaderError struct {
	Word uint32
}

func (e CorruptHeaderError) Error() string {
	return fmt.Sprintf(
		"corrupt document header 0x%08x: length %d exceeds bound %d",
		e.Word, e.Word&lengthMask, MaxLength,
	)
}

// Decode interprets a header word.
// It returns a [CorruptHeaderError] if the length field
// is at or above [MaxLength].
func Decode(word uint32) (Header, error) {
	length := word & lengthMask
	if length >= MaxLength {
		return Header{}, CorruptHeaderError{Word: word}
	}

	return Header{
		IsData:   word&metadataBit == 0,
		NotReady: word&notReadyBit != 0,
		Length:   length,
	}, nil
}

// Encode produces the header word for h. It is the inverse of [Decode].
//
// Encode panics if h.Length is at or above [MaxLength]:
// a corrupt header must never reach the wire,
// and an oversized document is a caller bug.
func Encode(h Header) uint32 {
	if h.Length >= MaxLength {
		panic(fmt.Errorf(
			"ILLEGAL: document length must be below %d, got %d",
			MaxLength, h.Length,
		))
	}

	word := h.Length
	if !h.IsData {
		word |= metadataBit
	}
	if h.NotReady {
		word |= notReadyBit
	}
	return word
}
