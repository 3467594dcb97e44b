package lnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/loomnet/loom"
	"github.com/loomnet/loom/lbuf"
)

// DefaultBufferTarget is the soft capacity target for the
// per-connection input and output buffers.
const DefaultBufferTarget = 1 << 20

// readChunkSize is how much the reader goroutine asks for per Read.
const readChunkSize = 32 * 1024

// Driver owns one connection's servicing loop.
//
// It reads raw bytes from the conn into the input buffer,
// runs the session's non-blocking servicing pass, and flushes
// whatever accumulated in the output buffer back to the conn.
// A wakeup signal (see [Driver.Wakeup]) triggers a flush pass
// when output was enqueued asynchronously with no inbound traffic.
//
// The zero value is not usable; populate the exported fields.
type Driver struct {
	Log *slog.Logger

	Session *loom.Session

	Conn io.ReadWriter

	// Soft capacity targets for the connection buffers.
	// Zero values use DefaultBufferTarget.
	InputTarget  int
	OutputTarget int

	// Wakeup, if non-nil, is drained by the run loop:
	// each received signal triggers a servicing pass.
	// Wire it as the publisher's Wakeup hook with
	// a 1-buffered channel.
	Wakeup <-chan struct{}
}

// NotifyWakeup returns a 1-buffered channel and a non-blocking
// nudge function suitable for [github.com/loomnet/loom/lpub.PublisherConfig.Wakeup].
func NotifyWakeup() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	return ch, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run services the connection until the context is canceled,
// the peer closes the stream, or a fatal protocol error occurs.
//
// The session is closed when Run returns, releasing its publisher.
// If the conn is an [io.Closer], it is closed too, which also
// unblocks the reader goroutine.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer d.Session.Close()

	if c, ok := d.Conn.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				d.Log.Debug("Error closing conn on context cancellation", "err", cerr)
			}
		})
		defer stop()

		defer func() {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				d.Log.Debug("Error closing conn", "err", cerr)
			}
		}()
	}

	in := lbuf.NewBuffer(targetOrDefault(d.InputTarget))
	out := lbuf.NewBuffer(targetOrDefault(d.OutputTarget))

	chunks := make(chan []byte, 1)
	readErrs := make(chan error, 1)

	// Closed when Run returns, so a reader blocked on a chunk send
	// can abandon it instead of leaking with the connection.
	readerStop := make(chan struct{})
	defer close(readerStop)

	go readLoop(d.Conn, chunks, readErrs, readerStop)

	for {
		select {
		case <-ctx.Done():
			d.Log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return nil

		case p := <-chunks:
			in.Append(p)
			if err := d.serviceAndFlush(in, out); err != nil {
				return err
			}

		case <-d.Wakeup:
			if err := d.serviceAndFlush(in, out); err != nil {
				return err
			}

		case rerr := <-readErrs:
			if errors.Is(rerr, io.EOF) || ctx.Err() != nil || errors.Is(rerr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("connection read failed: %w", rerr)
		}
	}
}

// serviceAndFlush runs servicing passes until one makes no progress,
// flushing the output buffer to the conn after each. A pass that
// dispatched a document and yielded for flushing is followed by
// another, so documents already buffered do not wait for more input.
func (d *Driver) serviceAndFlush(in, out *lbuf.Buffer) error {
	for {
		rpos := in.ReadPos()
		wpos := out.WritePos()

		if err := d.Session.Service(in, out); err != nil {
			return fmt.Errorf("servicing pass failed: %w", err)
		}

		for out.ReadRemaining() > 0 {
			n, err := d.Conn.Write(out.Readable())
			out.SkipRead(n)
			if err != nil {
				return fmt.Errorf("connection write failed: %w", err)
			}
		}

		progressed := in.ReadPos() != rpos || out.WritePos() != wpos
		out.Compact()
		in.Compact()
		if !progressed {
			return nil
		}
	}
}

// readLoop feeds the run loop with chunks as they arrive.
// It exits on the first read error, which includes the conn
// being closed out from under it on cancellation, or when
// stop is closed while a send is pending.
func readLoop(r io.Reader, chunks chan<- []byte, errs chan<- error, stop <-chan struct{}) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case errs <- err:
			case <-stop:
			}
			return
		}
	}
}

func targetOrDefault(target int) int {
	if target <= 0 {
		return DefaultBufferTarget
	}
	return target
}
