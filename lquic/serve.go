package lquic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomnet/loom"
	"github.com/loomnet/loom/lnet"
	"github.com/quic-go/quic-go"
)

// SessionFactory builds the session for one accepted stream.
//
// The wakeup argument is the nudge function for that stream's
// servicing loop; wire it as the publisher's Wakeup hook so
// asynchronously enqueued documents are flushed promptly.
type SessionFactory func(wakeup func()) *loom.Session

// ServeConn accepts streams on conn until the context is canceled,
// running one [lnet.Driver] per stream with a session from newSession.
//
// ServeConn returns after all per-stream drivers have stopped.
func ServeConn(
	ctx context.Context,
	log *slog.Logger,
	conn *quic.Conn,
	newSession SessionFactory,
) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept stream: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := RunStream(ctx, log, s, newSession); err != nil {
				log.Warn("Stream servicing stopped with error", "err", err)
			}
		}()
	}
}

// RunStream services a single bidirectional stream until the
// context is canceled, the peer closes, or a fatal protocol
// error occurs. The stream's read side is canceled on return
// so the peer does not keep writing into the void.
func RunStream(
	ctx context.Context,
	log *slog.Logger,
	s *quic.Stream,
	newSession SessionFactory,
) error {
	defer s.CancelRead(0)

	wake, nudge := lnet.NotifyWakeup()

	d := &lnet.Driver{
		Log:     log.With("stream", int64(s.StreamID())),
		Session: newSession(nudge),
		Conn:    s,
		Wakeup:  wake,
	}

	return d.Run(ctx)
}
