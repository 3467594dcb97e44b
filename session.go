package loom

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loomnet/loom/lbuf"
	"github.com/loomnet/loom/lframe"
	"github.com/loomnet/loom/lpub"
	"github.com/loomnet/loom/lwire"
)

// Handler is the application capability invoked once per dispatched document.
//
// The in wire's readable window is clamped to exactly the document's
// payload; reading past it is impossible, and whatever the handler
// leaves unread is discarded when it returns. The handler must not
// retain either wire view past its own return.
//
// Handlers run synchronously on the connection's servicing goroutine
// and must not block.
type Handler interface {
	ProcessDocument(in, out *lwire.Wire) error
}

// HandlerFunc adapts a plain function to the [Handler] interface.
type HandlerFunc func(in, out *lwire.Wire) error

func (f HandlerFunc) ProcessDocument(in, out *lwire.Wire) error {
	return f(in, out)
}

// AttemptResult reports what a single call to [*Session.Attempt] did.
type AttemptResult uint8

const (
	// NoMessage: fewer bytes are buffered than one complete document;
	// nothing was consumed.
	NoMessage AttemptResult = iota

	// Heartbeat: a zero-length data document (system keepalive)
	// was consumed without invoking the handler.
	Heartbeat

	// Dispatched: the handler was invoked and output was produced;
	// the caller should flush before attempting further documents.
	// This is also the result after a contained handler failure,
	// so a tight error loop cannot form.
	Dispatched

	// DispatchedMore: the handler was invoked and produced no output,
	// so another attempt in the same pass is worthwhile.
	DispatchedMore
)

// SessionConfig is the configuration for [NewSession].
type SessionConfig struct {
	// Log is required.
	Log *slog.Logger

	// Handler is required.
	Handler Handler

	// Payload encoding for this connection. Defaults to [lwire.JSON].
	Encoding lwire.Encoding

	// Acceptor marks the session as the accepting side
	// of the connection, as opposed to the initiating side.
	Acceptor bool

	// Output write-position threshold above which servicing yields
	// so the transport can flush. Defaults to [lpub.DefaultChunkCapacity].
	ChunkCapacity int

	// Publisher for asynchronously produced output.
	// Optional; without one, only synchronous replies are possible.
	Publisher *lpub.Publisher

	// Trace, when set, is invoked with the serialized bytes
	// each dispatch wrote to the output buffer. Nil disables tracing.
	Trace func(doc []byte)
}

// Session is the per-connection decode/dispatch state.
//
// A Session holds wire views bound to the current input and output
// buffer instances (rebound whenever buffer identity or the encoding
// changes) and is otherwise stateless across calls: all decode
// progress lives in the shared buffer cursors.
//
// Sessions are driven from a single servicing goroutine.
type Session struct {
	log *slog.Logger

	handler Handler
	enc     lwire.Encoding

	inWire  *lwire.Wire
	outWire *lwire.Wire

	pub *lpub.Publisher

	acceptor bool
	chunkCap int

	trace func([]byte)

	closed atomic.Bool
}

// NewSession returns a Session using the given configuration.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Log == nil {
		panic(errors.New("BUG: SessionConfig.Log must not be nil"))
	}
	if cfg.Handler == nil {
		panic(errors.New("BUG: SessionConfig.Handler must not be nil"))
	}

	enc := cfg.Encoding
	if enc == nil {
		enc = lwire.JSON
	}

	chunkCap := cfg.ChunkCapacity
	if chunkCap <= 0 {
		chunkCap = lpub.DefaultChunkCapacity
	}

	if cfg.Publisher != nil {
		cfg.Publisher.SetEncoding(enc)
	}

	return &Session{
		log: cfg.Log,

		handler: cfg.Handler,
		enc:     enc,

		pub: cfg.Publisher,

		acceptor: cfg.Acceptor,
		chunkCap: chunkCap,

		trace: cfg.Trace,
	}
}

// Acceptor reports whether this session is the accepting side.
func (s *Session) Acceptor() bool {
	return s.acceptor
}

// Publisher returns the session's publisher, or nil if none was configured.
func (s *Session) Publisher() *lpub.Publisher {
	return s.pub
}

// Publish enqueues one document with the session's publisher.
// It panics if the session has no publisher.
func (s *Session) Publish(fn lwire.DocumentFunc) {
	if s.pub == nil {
		panic(errors.New("BUG: Publish called on session without a publisher"))
	}
	s.pub.Enqueue(fn)
}

// SetEncoding changes the payload encoding for subsequent documents.
// The decode context is rebound on the next servicing pass.
// A no-op if the encoding is unchanged.
func (s *Session) SetEncoding(enc lwire.Encoding) {
	if enc == nil {
		panic(errors.New("BUG: SetEncoding called with nil encoding"))
	}
	if s.enc.Name() == enc.Name() {
		return
	}

	s.enc = enc
	s.inWire = nil
	s.outWire = nil
	if s.pub != nil {
		s.pub.SetEncoding(enc)
	}
}

// Service runs one non-blocking servicing pass:
// pump the publisher's pending output while the output buffer
// is below the chunk capacity threshold, then attempt dispatches
// for as long as the continue hint and output capacity allow.
//
// The returned error is a protocol corruption or a propagated
// producer failure, both fatal for the connection.
func (s *Session) Service(in, out *lbuf.Buffer) error {
	if s.closed.Load() {
		return nil
	}

	s.bind(in, out)

	if s.pub != nil && out.WritePos() < s.chunkCap {
		if err := s.pub.Pump(out); err != nil {
			return fmt.Errorf("failed to pump publisher output: %w", err)
		}
	}

	for in.ReadRemaining() >= lframe.HeaderSize && out.WritePos() < s.chunkCap {
		res, err := s.Attempt(in, out)
		if err != nil {
			return err
		}
		if res == NoMessage || res == Dispatched {
			break
		}
	}

	return nil
}

// Attempt tries to decode and dispatch exactly one document
// out of in, writing any reply into out. It never blocks and
// consumes only bytes already present.
//
// A non-nil error means the stream is corrupt and the connection
// must be terminated. Handler failures are not errors here:
// they are contained, the input cursor still advances by exactly
// one document, and a structured exception document is written
// in place of whatever the handler produced.
func (s *Session) Attempt(in, out *lbuf.Buffer) (AttemptResult, error) {
	if in.ReadRemaining() < lframe.HeaderSize {
		return NoMessage, nil
	}

	h, err := lframe.Decode(in.PeekUint32())
	if err != nil {
		return NoMessage, fmt.Errorf("unrecoverable stream corruption: %w", err)
	}

	// A zero-length data document is a system no-op (keepalive).
	if h.Length == 0 && h.IsData {
		in.SkipRead(lframe.HeaderSize)
		return Heartbeat, nil
	}

	if in.ReadRemaining() < lframe.HeaderSize+int(h.Length) {
		// Header stays unconsumed and re-peekable
		// once more bytes arrive.
		return NoMessage, nil
	}

	s.bind(in, out)

	end := in.ReadPos() + lframe.HeaderSize + int(h.Length)
	prevLimit := in.ReadLimit()
	outStart := out.WritePos()

	in.SkipRead(lframe.HeaderSize)
	in.SetReadLimit(end)

	herr := s.dispatch()

	// Whatever the handler did, restore the window and force the
	// cursor to the end of this document. Unconsumed payload bytes
	// are discarded; the stream stays in sync.
	in.SetReadLimit(prevLimit)
	in.SetReadPos(end)

	if herr != nil {
		s.log.Warn("Handler failed; replying with an exception document", "err", herr)
		out.TruncateWrite(outStart)
		s.writeExceptionDocument(out, herr)
		s.traceWritten(out, outStart)
		return Dispatched, nil
	}

	if out.WritePos() > outStart {
		s.traceWritten(out, outStart)
		return Dispatched, nil
	}
	return DispatchedMore, nil
}

// Close marks the session closed and closes its publisher.
// Close is idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.pub != nil {
		s.pub.Close()
	}
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// bind refreshes the decode context: the wire views are recreated
// lazily whenever the underlying buffer instance or the encoding
// has changed since the previous pass.
func (s *Session) bind(in, out *lbuf.Buffer) {
	if !s.inWire.Bound(s.enc, in) {
		s.inWire = lwire.Bind(s.enc, in)
	}
	if !s.outWire.Bound(s.enc, out) {
		s.outWire = lwire.Bind(s.enc, out)
	}
}

// dispatch invokes the handler, converting a panic into an error
// so that the framing discipline in Attempt survives arbitrary
// handler behavior.
func (s *Session) dispatch() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return s.handler.ProcessDocument(s.inWire, s.outWire)
}

func (s *Session) writeExceptionDocument(out *lbuf.Buffer, herr error) {
	err := lframe.AppendDocument(out, false, false, func() error {
		return s.outWire.AppendValue(lwire.ExceptionDoc{Exception: herr.Error()})
	})
	if err != nil {
		// Leaves this dispatch without a reply document,
		// which only happens if the exception record itself
		// cannot be marshaled.
		s.log.Error("Failed to write exception document", "err", err)
	}
}

func (s *Session) traceWritten(out *lbuf.Buffer, from int) {
	if s.trace == nil {
		return
	}
	s.trace(out.WrittenSince(from))
}
