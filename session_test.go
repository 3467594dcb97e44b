package loom_test

import (
	"errors"
	"testing"

	"github.com/loomnet/loom"
	"github.com/loomnet/loom/internal/ltest"
	"github.com/loomnet/loom/lbuf"
	"github.com/loomnet/loom/lframe"
	"github.com/loomnet/loom/lpub"
	"github.com/loomnet/loom/lwire"
	"github.com/stretchr/testify/require"
)

type ping struct {
	Seq int `json:"seq" cbor:"seq"`
}

type pong struct {
	Seq int `json:"seq" cbor:"seq"`
}

// appendRequest frames one encoded value as a data document on b.
func appendRequest(t *testing.T, b *lbuf.Buffer, enc lwire.Encoding, v any) {
	t.Helper()

	w := lwire.Bind(enc, b)
	require.NoError(t, lframe.AppendDocument(b, false, false, func() error {
		return w.AppendValue(v)
	}))
}

type doc struct {
	Header  lframe.Header
	Payload []byte
}

// readDocs parses and consumes every complete document in b.
func readDocs(t *testing.T, b *lbuf.Buffer) []doc {
	t.Helper()

	var docs []doc
	for b.ReadRemaining() >= lframe.HeaderSize {
		h, err := lframe.Decode(b.PeekUint32())
		require.NoError(t, err)
		require.GreaterOrEqual(t,
			b.ReadRemaining(), lframe.HeaderSize+int(h.Length),
			"incomplete document in buffer",
		)

		b.SkipRead(lframe.HeaderSize)
		payload := make([]byte, h.Length)
		copy(payload, b.Readable())
		b.SkipRead(int(h.Length))

		docs = append(docs, doc{Header: h, Payload: payload})
	}
	return docs
}

// echoSession returns a session whose handler decodes a ping
// and replies with a pong carrying the same sequence number.
func echoSession(t *testing.T, enc lwire.Encoding) *loom.Session {
	t.Helper()

	return loom.NewSession(loom.SessionConfig{
		Log:      ltest.NewLogger(t),
		Encoding: enc,
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			var req ping
			if err := in.DecodeValue(&req); err != nil {
				return err
			}
			loom.WriteReply(out, in.Buffer(), func(w *lwire.Wire) error {
				return w.AppendValue(pong{Seq: req.Seq})
			})
			return nil
		}),
	})
}

func TestSession_heartbeat(t *testing.T) {
	t.Parallel()

	handlerCalled := false
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			handlerCalled = true
			return nil
		}),
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(256)

	// A zero-length data document: four zero bytes.
	in.AppendUint32(0)

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Heartbeat, res)
	require.Equal(t, lframe.HeaderSize, in.ReadPos())
	require.False(t, handlerCalled)
	require.Zero(t, out.WritePos())
}

func TestSession_noMessageBelowHeaderSize(t *testing.T) {
	t.Parallel()

	s := echoSession(t, lwire.JSON)
	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(256)

	in.Append([]byte{1, 2, 3})

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.NoMessage, res)
	require.Zero(t, in.ReadPos())
}

func TestSession_partialBodyThenDispatch(t *testing.T) {
	t.Parallel()

	s := echoSession(t, lwire.JSON)
	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(256)

	// A 10-byte payload with only 6 body bytes buffered:
	// 10 available in total, 14 needed.
	in.AppendUint32(lframe.Encode(lframe.Header{IsData: true, Length: 10}))
	in.Append([]byte(`{"seq":`))
	require.Equal(t, 11, in.ReadRemaining())

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.NoMessage, res)
	require.Zero(t, in.ReadPos())

	in.Append([]byte(`42}`))

	res, err = s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Dispatched, res)
	require.Equal(t, lframe.HeaderSize+10, in.ReadPos())

	docs := readDocs(t, out)
	require.Len(t, docs, 1)
	require.JSONEq(t, `{"seq":42}`, string(docs[0].Payload))
}

func TestSession_largePayloadSeenExactly(t *testing.T) {
	t.Parallel()

	payload := ltest.RandomData(t, 64*1024)

	var seen []byte
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			seen = append([]byte(nil), in.Buffer().Readable()...)
			return nil
		}),
	})

	in := lbuf.NewBuffer(128 * 1024)
	out := lbuf.NewBuffer(256)

	require.NoError(t, lframe.AppendDocument(in, false, false, func() error {
		in.Append(payload)
		return nil
	}))

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.DispatchedMore, res)
	require.Equal(t, payload, seen)
	require.Zero(t, in.ReadRemaining())
}

func TestSession_fragmentationInvariance(t *testing.T) {
	t.Parallel()

	s := echoSession(t, lwire.JSON)

	full := lbuf.NewBuffer(256)
	appendRequest(t, full, lwire.JSON, ping{Seq: 9})
	wire := full.Readable()

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)

	var dispatches int
	for i, c := range wire {
		in.Append([]byte{c})

		res, err := s.Attempt(in, out)
		require.NoError(t, err)

		if i < len(wire)-1 {
			require.Equal(t, loom.NoMessage, res,
				"dispatched before all bytes arrived (byte %d of %d)", i+1, len(wire))
			continue
		}

		require.Equal(t, loom.Dispatched, res)
		dispatches++
	}

	require.Equal(t, 1, dispatches)
	require.Len(t, readDocs(t, out), 1)
}

func TestSession_orderingAcrossBufferedDocuments(t *testing.T) {
	t.Parallel()

	var seen []int
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			var req ping
			if err := in.DecodeValue(&req); err != nil {
				return err
			}
			seen = append(seen, req.Seq)
			loom.WriteReply(out, in.Buffer(), func(w *lwire.Wire) error {
				return w.AppendValue(pong{Seq: req.Seq})
			})
			return nil
		}),
	})

	const n = 20

	in := lbuf.NewBuffer(4096)
	out := lbuf.NewBuffer(1 << 20)
	for i := 0; i < n; i++ {
		appendRequest(t, in, lwire.JSON, ping{Seq: i})
	}

	for i := 0; i < n; i++ {
		res, err := s.Attempt(in, out)
		require.NoError(t, err)
		require.Equal(t, loom.Dispatched, res)
	}

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	require.Equal(t, want, seen)
	require.Len(t, readDocs(t, out), n)
	require.Zero(t, in.ReadRemaining())
}

func TestSession_cursorIntegrityUnderHandlerError(t *testing.T) {
	t.Parallel()

	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			// Consume a little, write a little, then fail.
			in.Buffer().SkipRead(1)
			out.Buffer().Append([]byte("partial garbage"))
			return errors.New("handler blew up")
		}),
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 5})
	docEnd := in.WritePos()

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Dispatched, res)

	// The cursor advanced by exactly one document.
	require.Equal(t, docEnd, in.ReadPos())

	// Exactly one exception document, and none of the partial garbage.
	docs := readDocs(t, out)
	require.Len(t, docs, 1)
	require.True(t, docs[0].Header.IsData)

	var exc lwire.ExceptionDoc
	require.NoError(t, lwire.JSON.Unmarshal(docs[0].Payload, &exc))
	require.Contains(t, exc.Exception, "handler blew up")
}

func TestSession_cursorIntegrityUnderHandlerPanic(t *testing.T) {
	t.Parallel()

	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			panic("boom")
		}),
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 5})
	docEnd := in.WritePos()

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Dispatched, res)
	require.Equal(t, docEnd, in.ReadPos())

	docs := readDocs(t, out)
	require.Len(t, docs, 1)

	var exc lwire.ExceptionDoc
	require.NoError(t, lwire.JSON.Unmarshal(docs[0].Payload, &exc))
	require.Contains(t, exc.Exception, "boom")
}

func TestSession_handlerCannotReadPastDocument(t *testing.T) {
	t.Parallel()

	var remaining int
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			remaining = in.Buffer().ReadRemaining()
			return nil
		}),
	})

	in := lbuf.NewBuffer(4096)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 1})
	firstEnd := in.WritePos()
	appendRequest(t, in, lwire.JSON, ping{Seq: 2})

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.DispatchedMore, res)

	// The handler's view was clamped to the first payload only,
	// even though a second document was already buffered.
	require.Equal(t, firstEnd-lframe.HeaderSize, remaining)
	require.Equal(t, firstEnd, in.ReadPos())
}

func TestSession_continueHint(t *testing.T) {
	t.Parallel()

	writeReply := false
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			if !writeReply {
				return nil
			}
			loom.WriteReply(out, in.Buffer(), func(w *lwire.Wire) error {
				return w.AppendValue(pong{Seq: 1})
			})
			return nil
		}),
	})

	in := lbuf.NewBuffer(4096)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 1})
	appendRequest(t, in, lwire.JSON, ping{Seq: 2})

	// No output written: safe to keep attempting in the same pass.
	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.DispatchedMore, res)

	// Output written: yield so it can be flushed.
	writeReply = true
	res, err = s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Dispatched, res)
}

func TestSession_zeroLengthMetadataDocumentDispatches(t *testing.T) {
	t.Parallel()

	handlerCalled := false
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			handlerCalled = true
			require.Zero(t, in.Buffer().ReadRemaining())
			return nil
		}),
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)

	// Zero length but flagged metadata: a real (empty) document,
	// not a heartbeat.
	in.AppendUint32(lframe.Encode(lframe.Header{IsData: false, Length: 0}))

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.DispatchedMore, res)
	require.True(t, handlerCalled)
}

func TestSession_corruptHeaderIsFatal(t *testing.T) {
	t.Parallel()

	s := echoSession(t, lwire.JSON)
	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)

	in.AppendUint32(lframe.MaxLength)

	_, err := s.Attempt(in, out)

	var cerr lframe.CorruptHeaderError
	require.ErrorAs(t, err, &cerr)

	// Nothing consumed; the connection is expected to be torn down.
	require.Zero(t, in.ReadPos())
}

func TestSession_cborEncoding(t *testing.T) {
	t.Parallel()

	s := echoSession(t, lwire.CBOR)
	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)

	appendRequest(t, in, lwire.CBOR, ping{Seq: 3})

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.Dispatched, res)

	docs := readDocs(t, out)
	require.Len(t, docs, 1)

	var rsp pong
	require.NoError(t, lwire.CBOR.Unmarshal(docs[0].Payload, &rsp))
	require.Equal(t, 3, rsp.Seq)
}

func TestSession_serviceDispatchesUntilOutputProduced(t *testing.T) {
	t.Parallel()

	var seen []int
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			var req ping
			if err := in.DecodeValue(&req); err != nil {
				return err
			}
			seen = append(seen, req.Seq)
			if req.Seq == 2 {
				loom.WriteReply(out, in.Buffer(), func(w *lwire.Wire) error {
					return w.AppendValue(pong{Seq: req.Seq})
				})
			}
			return nil
		}),
	})

	in := lbuf.NewBuffer(4096)
	out := lbuf.NewBuffer(65536)

	// A heartbeat, two silent documents, one that replies,
	// and one more that must wait for the next pass.
	in.AppendUint32(0)
	appendRequest(t, in, lwire.JSON, ping{Seq: 1})
	appendRequest(t, in, lwire.JSON, ping{Seq: 2})
	appendRequest(t, in, lwire.JSON, ping{Seq: 3})

	require.NoError(t, s.Service(in, out))

	// The pass stopped at the document that produced output.
	require.Equal(t, []int{1, 2}, seen)
	require.Len(t, readDocs(t, out), 1)

	require.NoError(t, s.Service(in, out))
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestSession_servicePumpsPublisherFirst(t *testing.T) {
	t.Parallel()

	pub := lpub.New(lpub.PublisherConfig{
		Log: ltest.NewLogger(t),
	})

	s := loom.NewSession(loom.SessionConfig{
		Log:       ltest.NewLogger(t),
		Publisher: pub,
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			return nil
		}),
	})

	s.Publish(func(w *lwire.Wire) error {
		return w.AppendValue(pong{Seq: 99})
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)

	require.NoError(t, s.Service(in, out))

	docs := readDocs(t, out)
	require.Len(t, docs, 1)

	var rsp pong
	require.NoError(t, lwire.JSON.Unmarshal(docs[0].Payload, &rsp))
	require.Equal(t, 99, rsp.Seq)
	require.True(t, pub.Empty())
}

func TestSession_closeIsIdempotentAndClosesPublisher(t *testing.T) {
	t.Parallel()

	pub := lpub.New(lpub.PublisherConfig{
		Log: ltest.NewLogger(t),
	})
	s := loom.NewSession(loom.SessionConfig{
		Log:       ltest.NewLogger(t),
		Publisher: pub,
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			return errors.New("must not run")
		}),
	})

	s.Close()
	s.Close()
	require.True(t, s.Closed())
	require.True(t, pub.Closed())

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 1})

	// Servicing a closed session is a no-op.
	require.NoError(t, s.Service(in, out))
	require.Zero(t, in.ReadPos())
	require.Zero(t, out.WritePos())
}

func TestSession_setEncodingRebindsAndForwards(t *testing.T) {
	t.Parallel()

	pub := lpub.New(lpub.PublisherConfig{
		Log: ltest.NewLogger(t),
	})

	var decoded ping
	s := loom.NewSession(loom.SessionConfig{
		Log:       ltest.NewLogger(t),
		Publisher: pub,
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			return in.DecodeValue(&decoded)
		}),
	})

	s.SetEncoding(lwire.CBOR)

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.CBOR, ping{Seq: 12})

	res, err := s.Attempt(in, out)
	require.NoError(t, err)
	require.Equal(t, loom.DispatchedMore, res)
	require.Equal(t, 12, decoded.Seq)
}

func TestSession_trace(t *testing.T) {
	t.Parallel()

	var traced [][]byte
	s := loom.NewSession(loom.SessionConfig{
		Log: ltest.NewLogger(t),
		Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error {
			loom.WriteReply(out, in.Buffer(), func(w *lwire.Wire) error {
				return w.AppendValue(pong{Seq: 8})
			})
			return nil
		}),
		Trace: func(doc []byte) {
			cp := make([]byte, len(doc))
			copy(cp, doc)
			traced = append(traced, cp)
		},
	})

	in := lbuf.NewBuffer(256)
	out := lbuf.NewBuffer(65536)
	appendRequest(t, in, lwire.JSON, ping{Seq: 8})

	_, err := s.Attempt(in, out)
	require.NoError(t, err)

	require.Len(t, traced, 1)
	require.Equal(t, out.Readable(), traced[0])
}

func TestSession_misconfigurationPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		loom.NewSession(loom.SessionConfig{
			Handler: loom.HandlerFunc(func(in, out *lwire.Wire) error { return nil }),
		})
	})
	require.Panics(t, func() {
		loom.NewSession(loom.SessionConfig{Log: ltest.NewLogger(t)})
	})

	s := echoSession(t, lwire.JSON)
	require.Panics(t, func() {
		// No publisher configured.
		s.Publish(func(w *lwire.Wire) error { return nil })
	})
}
