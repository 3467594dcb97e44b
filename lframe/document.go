package lframe

import (
	"github.com/loomnet/loom/lbuf"
)

// AppendDocument writes one framed document to b:
// it reserves a header word, invokes fn to append the payload,
// then patches the header with the flags and the observed payload length.
//
// If fn returns an error, everything written for this document
// (header included) is truncated away and the error is returned;
// b is left exactly as AppendDocument found it.
//
// AppendDocument panics if fn appends [MaxLength] or more payload bytes,
// since such a document cannot be framed.
func AppendDocument(
	b *lbuf.Buffer,
	metadata, notReady bool,
	fn func() error,
) error {
	start := b.WritePos()
	b.AppendUint32(0)

	if err := fn(); err != nil {
		b.TruncateWrite(start)
		return err
	}

	length := b.WritePos() - start - HeaderSize
	b.SetUint32At(start, Encode(Header{
		IsData:   !metadata,
		NotReady: notReady,
		Length:   uint32(length),
	}))

	return nil
}
