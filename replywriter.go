package loom

import (
	"fmt"

	"github.com/loomnet/loom/lbuf"
	"github.com/loomnet/loom/lframe"
	"github.com/loomnet/loom/lwire"
)

// WriteReply writes one data document to out, populated by fn.
//
// If fn fails (an error return or a panic), the input buffer's read
// cursor is rewound to where it stood on entry, any partial payload
// already written for this document is discarded, and a structured
// exception record carrying the failure is written in its place.
// If after all that the document still holds zero payload bytes,
// an empty acknowledgment is written instead, so every dispatched
// request yields exactly one non-empty document in response.
//
// in is the buffer whose cursor fn consumes while reading the request;
// handlers pass in.Buffer() of the wire they were dispatched with.
func WriteReply(out *lwire.Wire, in *lbuf.Buffer, fn lwire.DocumentFunc) {
	writeReplyDocument(out, in, false, fn)
}

// WriteNotReadyReply is WriteReply with the document header's
// not-ready flag set, telling the remote peer to retry later
// without the cost of a full reply.
func WriteNotReadyReply(out *lwire.Wire, in *lbuf.Buffer, fn lwire.DocumentFunc) {
	writeReplyDocument(out, in, true, fn)
}

func writeReplyDocument(
	out *lwire.Wire,
	in *lbuf.Buffer,
	notReady bool,
	fn lwire.DocumentFunc,
) {
	buf := out.Buffer()
	readSnapshot := in.ReadPos()

	// The inner function never returns an error:
	// failure is converted into an exception record,
	// so the document boundary always completes.
	_ = lframe.AppendDocument(buf, false, notReady, func() error {
		payloadStart := buf.WritePos()

		if err := invokeWriter(fn, out); err != nil {
			in.SetReadPos(readSnapshot)
			buf.TruncateWrite(payloadStart)

			if aerr := out.AppendValue(lwire.ExceptionDoc{
				Exception: err.Error(),
			}); aerr != nil {
				// Marshaling a plain string record does not fail
				// with either shipped encoding.
				panic(fmt.Errorf("BUG: failed to append exception record: %w", aerr))
			}
		}

		if buf.WritePos() == payloadStart {
			if aerr := out.AppendValue(lwire.AckDoc{}); aerr != nil {
				panic(fmt.Errorf("BUG: failed to append ack record: %w", aerr))
			}
		}

		return nil
	})
}

// invokeWriter runs fn, converting a panic into an error
// so the reply envelope's rollback discipline applies to both.
func invokeWriter(fn lwire.DocumentFunc, out *lwire.Wire) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reply writer panicked: %v", r)
		}
	}()

	return fn(out)
}
