package lpub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/loomnet/loom/lbuf"
	"github.com/loomnet/loom/lframe"
	"github.com/loomnet/loom/lwire"
)

// Default policy constants.
// These were fixed in earlier revisions;
// they are configurable through [PublisherConfig] now,
// with the defaults preserving the old behavior.
const (
	// DefaultTargetCapacity is the soft size of the outbound queue.
	DefaultTargetCapacity = 1 << 20

	// DefaultChunkCapacity is the destination write-position threshold
	// above which pumping stops for the current pass,
	// so the transport gets a chance to flush.
	DefaultChunkCapacity = 1 << 16

	// DefaultRoundLimit bounds how many round-robin passes
	// over the producer registry a single pump may make.
	DefaultRoundLimit = 1000

	// DefaultBackpressureRatio is the fraction of the target capacity
	// above which the queue is considered too full to accept more work.
	DefaultBackpressureRatio = 0.5
)

// ErrProducerDone is returned by a [Producer] to signal
// that it has no more output, ever, and should be
// removed from the registry. Other producers in the
// same round are unaffected.
var ErrProducerDone = errors.New("producer finished")

// Producer is a push-style output source registered with a [Publisher].
// Each invocation may write zero or more documents to dst.
//
// Producers run on the connection's servicing goroutine,
// outside the publisher's lock, and must not block.
type Producer func(dst *lwire.Wire) error

// ProducerID identifies a registered producer for removal.
type ProducerID uint

type producerEntry struct {
	id ProducerID
	fn Producer
}

// PublisherConfig is the configuration for [New].
type PublisherConfig struct {
	// Log is required.
	Log *slog.Logger

	// Encoding for subsequently serialized documents.
	// Defaults to [lwire.JSON].
	Encoding lwire.Encoding

	// Soft size of the outbound queue; defaults to DefaultTargetCapacity.
	TargetCapacity int

	// Destination threshold for pumping; defaults to DefaultChunkCapacity.
	ChunkCapacity int

	// Maximum round-robin rounds per pump; defaults to DefaultRoundLimit.
	RoundLimit int

	// Queue occupancy fraction treated as full;
	// defaults to DefaultBackpressureRatio.
	BackpressureRatio float64

	// Trace, when set, is invoked with each serialized document
	// as it is enqueued. Nil disables tracing.
	Trace func(doc []byte)

	// Wakeup, when set, is invoked after a document is enqueued,
	// outside the queue lock. The servicing loop uses it to learn
	// that output is pending even when no input is arriving.
	Wakeup func()
}

// Publisher buffers, batches, and fairly multiplexes outgoing documents
// for a single connection.
//
// Synchronously produced replies and asynchronously enqueued events
// share one queue; registered producers are serviced round-robin
// during [*Publisher.Pump], bounded in both space and rounds.
//
// Enqueue may be called from any goroutine.
// Drain and Pump are expected to run only on the
// connection's own servicing goroutine.
type Publisher struct {
	log *slog.Logger

	mu        sync.Mutex
	queue     *lbuf.Buffer
	wire      *lwire.Wire
	enc       lwire.Encoding
	producers []producerEntry
	nextID    ProducerID
	cursor    int

	// Producer ids serviced in the current pump round.
	// Guarded by mu; enforces at-most-once-per-round
	// even when the registry mutates mid-round.
	serviced *bitset.BitSet

	closed atomic.Bool

	chunkCap   int
	roundLimit int
	bpLimit    int

	trace  func([]byte)
	wakeup func()
}

// New returns a Publisher using the given configuration.
func New(cfg PublisherConfig) *Publisher {
	if cfg.Log == nil {
		panic(errors.New("BUG: PublisherConfig.Log must not be nil"))
	}

	enc := cfg.Encoding
	if enc == nil {
		enc = lwire.JSON
	}

	target := cfg.TargetCapacity
	if target <= 0 {
		target = DefaultTargetCapacity
	}
	chunkCap := cfg.ChunkCapacity
	if chunkCap <= 0 {
		chunkCap = DefaultChunkCapacity
	}
	roundLimit := cfg.RoundLimit
	if roundLimit <= 0 {
		roundLimit = DefaultRoundLimit
	}
	ratio := cfg.BackpressureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultBackpressureRatio
	}

	queue := lbuf.NewBuffer(target)

	return &Publisher{
		log: cfg.Log,

		queue: queue,
		wire:  lwire.Bind(enc, queue),
		enc:   enc,

		serviced: bitset.New(8),

		chunkCap:   chunkCap,
		roundLimit: roundLimit,
		bpLimit:    int(float64(target) * ratio),

		trace:  cfg.Trace,
		wakeup: cfg.Wakeup,
	}
}

// Enqueue serializes one data document produced by fn
// and appends it to the outbound queue.
//
// If the publisher is closed, the document is dropped.
// If fn fails, nothing is appended and the failure is logged;
// an asynchronous producer has no caller to report to.
//
// Enqueue is safe for concurrent use.
func (p *Publisher) Enqueue(fn lwire.DocumentFunc) {
	if p.closed.Load() {
		p.log.Debug("Document dropped because publisher is closed")
		return
	}

	if err := p.append(fn); err != nil {
		p.log.Warn("Failed to serialize outbound document", "err", err)
		return
	}

	if p.wakeup != nil {
		p.wakeup()
	}
}

// append serializes one document under the queue lock.
func (p *Publisher) append(fn lwire.DocumentFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.queue.WritePos()
	err := lframe.AppendDocument(p.queue, false, false, func() error {
		return fn(p.wire)
	})
	if err != nil {
		return err
	}

	if p.trace != nil {
		p.trace(p.queue.WrittenSince(start))
	}
	return nil
}

// Drain copies whole queued documents into dst,
// oldest first, for as long as dst has strictly more free space
// than the queue's unread bytes. A document that does not fit
// is left untouched until the destination has room;
// a partial document never reaches dst.
//
// The consumed prefix of the queue is compacted afterwards.
func (p *Publisher) Drain(dst *lbuf.Buffer) {
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.ReadRemaining() >= lframe.HeaderSize {
		if dst.WriteRemaining() <= p.queue.ReadRemaining() {
			break
		}

		h, err := lframe.Decode(p.queue.PeekUint32())
		if err != nil {
			// The queue only ever holds documents we framed ourselves.
			panic(fmt.Errorf("BUG: corrupt header in outbound queue: %w", err))
		}

		docLen := lframe.HeaderSize + int(h.Length)
		if p.queue.ReadRemaining() < docLen {
			break
		}

		dst.Append(p.queue.Readable()[:docLen])
		p.queue.SkipRead(docLen)
	}

	p.queue.Compact()
}

// Pump first drains queued documents into dst,
// then services the registered producers in round-robin order,
// each at most once per round, for up to the configured round limit.
//
// A round ends early when dst reaches the chunk capacity threshold
// or the publisher closes. The pump ends when capacity is reached,
// the publisher closes, the round limit is exhausted, or a full round
// adds zero bytes (no producer has work).
//
// A producer returning [ErrProducerDone] is removed and the round
// continues. Any other producer error aborts the pump and is returned.
func (p *Publisher) Pump(dst *lbuf.Buffer) error {
	if p.closed.Load() {
		return nil
	}

	p.Drain(dst)

	// A previous pump may have ended mid-round at the capacity
	// threshold, leaving turns marked; every pump starts a fresh round.
	p.endRound()

	w := lwire.Bind(p.encoding(), dst)

	for round := 0; round < p.roundLimit; round++ {
		roundStart := dst.WritePos()

		for i := p.producerCount(); i > 0; i-- {
			if dst.WritePos() >= p.chunkCap {
				return nil
			}
			if p.closed.Load() {
				return nil
			}

			id, fn, ok := p.next()
			if !ok {
				// Every present producer has had its turn.
				break
			}

			if err := fn(w); err != nil {
				if errors.Is(err, ErrProducerDone) {
					p.RemoveProducer(id)
					continue
				}
				p.log.Error("Producer failed during pump", "id", id, "err", err)
				return fmt.Errorf("producer %d failed: %w", id, err)
			}
		}

		p.endRound()

		if dst.WritePos() == roundStart {
			return nil
		}
	}

	p.log.Error(
		"Pump reached round limit without quiescing",
		"rounds", p.roundLimit,
	)
	return nil
}

// AddProducer registers fn and returns its id.
// Registration during an in-progress pump round is valid;
// the new producer is eligible starting from the next fetch.
func (p *Publisher) AddProducer(fn Producer) ProducerID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.producers = append(p.producers, producerEntry{id: id, fn: fn})
	return id
}

// RemoveProducer deregisters the producer with the given id,
// reporting whether it was present. Removal during an
// in-progress round does not disturb the other producers' turns.
func (p *Publisher) RemoveProducer(id ProducerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.producers {
		if e.id != id {
			continue
		}

		p.producers = append(p.producers[:i:i], p.producers[i+1:]...)
		if p.cursor > i {
			p.cursor--
		}
		return true
	}
	return false
}

// CanAcceptMore reports whether the queue occupancy is below
// the backpressure threshold. Callers use it to decide whether
// to enqueue more work for this connection.
func (p *Publisher) CanAcceptMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.queue.WritePos() < p.bpLimit
}

// SetEncoding changes the encoding used for subsequently
// serialized documents. A no-op if the encoding is unchanged.
func (p *Publisher) SetEncoding(enc lwire.Encoding) {
	if enc == nil {
		panic(errors.New("BUG: SetEncoding called with nil encoding"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enc.Name() == enc.Name() {
		return
	}
	p.enc = enc
	p.wire = lwire.Bind(enc, p.queue)
}

// Close idempotently marks the publisher closed and clears the queue.
// Subsequent Enqueue, Drain, and Pump calls are no-ops.
func (p *Publisher) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.Reset()
}

// Closed reports whether Close has been called.
func (p *Publisher) Closed() bool {
	return p.closed.Load()
}

// Empty reports whether the outbound queue holds no bytes.
func (p *Publisher) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Empty()
}

func (p *Publisher) encoding() lwire.Encoding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc
}

func (p *Publisher) producerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.producers)
}

// next picks the producer at the round-robin cursor,
// skipping any already serviced this round,
// and marks the pick. The cursor and the registry share p.mu,
// so concurrent add/remove cannot cause a skip or a double turn.
func (p *Publisher) next() (ProducerID, Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.producers)
	for i := 0; i < n; i++ {
		if p.cursor >= n {
			p.cursor = 0
		}
		e := p.producers[p.cursor]
		p.cursor++

		if p.serviced.Test(uint(e.id)) {
			continue
		}
		p.serviced.Set(uint(e.id))
		return e.id, e.fn, true
	}

	return 0, nil, false
}

func (p *Publisher) endRound() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serviced.ClearAll()
}
