// Package bus implements the in-process message bus: per-recipient FIFO
// queues with at-least-once delivery, plus broadcast channels keyed by
// message kind for fire-and-forget observers.
//
// The bus is the only component permitted to log raw messages at debug level.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/lexstream/message"
)

// Handler consumes a delivered message. Queue handlers may return an error,
// which is logged; redelivery is the publisher's concern (at-least-once with
// idempotent consumers).
type Handler func(ctx context.Context, msg *message.Message) error

// DefaultQueueBuffer is the per-queue channel capacity when none is configured.
const DefaultQueueBuffer = 1024

// Bus routes messages to per-recipient FIFO queues and mirrors every publish
// to the broadcast channel named by the message kind.
type Bus struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	channels map[message.Kind]*broadcast
	logger   *slog.Logger
	buffer   int

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// queue is a single-recipient FIFO delivery channel with a handler chain.
// Handlers see every delivered message in registration order.
type queue struct {
	name string
	ch   chan *message.Message

	handlerMu sync.RWMutex
	handlers  []Handler

	started bool
}

// broadcast fans a kind's published messages out to channel subscribers.
type broadcast struct {
	kind message.Kind
	ch   chan *message.Message

	handlerMu sync.RWMutex
	handlers  []Handler

	started bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithQueueBuffer sets the per-queue channel capacity.
func WithQueueBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a message bus. Call Start before publishing.
func New(opts ...Option) *Bus {
	b := &Bus{
		queues:   make(map[string]*queue),
		channels: make(map[message.Kind]*broadcast),
		logger:   slog.Default(),
		buffer:   DefaultQueueBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches delivery goroutines for every known queue and channel.
// Queues and channels created after Start get their goroutine immediately.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bus already running")
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true

	for _, q := range b.queues {
		b.startQueue(q)
	}
	for _, bc := range b.channels {
		b.startBroadcast(bc)
	}

	b.logger.Info("message bus started", "queues", len(b.queues), "buffer", b.buffer)
	return nil
}

// Stop cancels delivery and waits for in-flight handlers up to the timeout.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("bus stop timed out waiting for delivery goroutines")
	}

	b.logger.Info("message bus stopped",
		"published", b.published.Load(),
		"delivered", b.delivered.Load(),
		"dropped", b.dropped.Load())
	return nil
}

// Publish enqueues the message to the recipient's FIFO queue and mirrors it
// to the broadcast channel named by the message kind. It returns true when
// the message was enqueued; false signals a transport failure (bus stopped,
// invalid message, or full queue) which the caller must handle, usually by
// routing to dead-letter.
func (b *Bus) Publish(msg *message.Message) bool {
	if msg == nil || !msg.Kind.Valid() || msg.Recipient == "" {
		return false
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	q := b.getOrCreateQueueLocked(msg.Recipient)
	bc := b.getOrCreateBroadcastLocked(msg.Kind)
	b.mu.Unlock()

	b.logger.Debug("publish",
		"id", msg.ID,
		"kind", msg.Kind,
		"sender", msg.Sender,
		"recipient", msg.Recipient,
		"correlation_id", msg.CorrelationID)

	select {
	case q.ch <- msg:
	default:
		b.dropped.Add(1)
		b.logger.Warn("queue full, publish rejected", "queue", q.name, "kind", msg.Kind)
		return false
	}

	// Broadcast mirror is best-effort: a saturated observer never blocks
	// or fails queue delivery.
	select {
	case bc.ch <- msg:
	default:
		b.logger.Debug("broadcast channel full, mirror dropped", "kind", msg.Kind)
	}

	b.published.Add(1)
	return true
}

// SubscribeQueue registers a handler on the named queue. Multiple handlers
// form a chain: every handler sees every delivered message in registration
// order.
func (b *Bus) SubscribeQueue(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	q := b.getOrCreateQueueLocked(name)
	b.mu.Unlock()

	q.handlerMu.Lock()
	q.handlers = append(q.handlers, handler)
	q.handlerMu.Unlock()
	return nil
}

// SubscribeChannel taps the broadcast stream for a message kind. Channel
// subscribers receive every published message of that kind regardless of
// recipient. Delivery is fire-and-forget: handler errors are logged, not
// reported.
func (b *Bus) SubscribeChannel(kind message.Kind, handler Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown message kind %q", kind)
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	bc := b.getOrCreateBroadcastLocked(kind)
	b.mu.Unlock()

	bc.handlerMu.Lock()
	bc.handlers = append(bc.handlers, handler)
	bc.handlerMu.Unlock()
	return nil
}

// Depth returns the number of messages currently queued for the recipient.
func (b *Bus) Depth(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ch)
	}
	return 0
}

// Health reports whether the bus is reachable and how many messages each
// queue currently holds.
type Health struct {
	Reachable bool           `json:"reachable"`
	Queues    map[string]int `json:"queues"`
}

// Health returns a lightweight keepalive snapshot.
func (b *Bus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := Health{
		Reachable: b.running,
		Queues:    make(map[string]int, len(b.queues)),
	}
	for name, q := range b.queues {
		h.Queues[name] = len(q.ch)
	}
	return h
}

// getOrCreateQueueLocked requires b.mu held.
func (b *Bus) getOrCreateQueueLocked(name string) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &queue{name: name, ch: make(chan *message.Message, b.buffer)}
	b.queues[name] = q
	if b.running {
		b.startQueue(q)
	}
	return q
}

// getOrCreateBroadcastLocked requires b.mu held.
func (b *Bus) getOrCreateBroadcastLocked(kind message.Kind) *broadcast {
	if bc, ok := b.channels[kind]; ok {
		return bc
	}
	bc := &broadcast{kind: kind, ch: make(chan *message.Message, b.buffer)}
	b.channels[kind] = bc
	if b.running {
		b.startBroadcast(bc)
	}
	return bc
}

// startQueue requires b.mu held and b.running true.
func (b *Bus) startQueue(q *queue) {
	if q.started {
		return
	}
	q.started = true
	b.wg.Add(1)
	go b.deliverLoop(q)
}

// startBroadcast requires b.mu held and b.running true.
func (b *Bus) startBroadcast(bc *broadcast) {
	if bc.started {
		return
	}
	bc.started = true
	b.wg.Add(1)
	go b.broadcastLoop(bc)
}

// deliverLoop drains one queue in FIFO order, invoking the handler chain for
// each message. Messages whose TTL has elapsed at delivery time are dropped.
func (b *Bus) deliverLoop(q *queue) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-q.ch:
			if msg.Expired(time.Now()) {
				b.dropped.Add(1)
				b.logger.Debug("dropping expired message", "id", msg.ID, "kind", msg.Kind, "queue", q.name)
				continue
			}

			q.handlerMu.RLock()
			handlers := make([]Handler, len(q.handlers))
			copy(handlers, q.handlers)
			q.handlerMu.RUnlock()

			for _, h := range handlers {
				if err := h(b.ctx, msg); err != nil {
					b.logger.Error("queue handler failed",
						"queue", q.name,
						"kind", msg.Kind,
						"id", msg.ID,
						"error", err)
				}
			}
			b.delivered.Add(1)
		}
	}
}

// broadcastLoop fans one kind's stream out to channel subscribers.
func (b *Bus) broadcastLoop(bc *broadcast) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-bc.ch:
			bc.handlerMu.RLock()
			handlers := make([]Handler, len(bc.handlers))
			copy(handlers, bc.handlers)
			bc.handlerMu.RUnlock()

			for _, h := range handlers {
				if err := h(b.ctx, msg); err != nil {
					b.logger.Debug("channel subscriber failed",
						"kind", bc.kind,
						"id", msg.ID,
						"error", err)
				}
			}
		}
	}
}
