// Package router maps message kinds to named queues and enforces per-queue
// capacity. Messages that cannot be routed — unknown kind, queue at capacity,
// or bus transport failure — are wrapped into dead-letter envelopes that are
// retained for replay.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
)

// DeadLetterQueue is the queue name dead-letter envelopes are published to.
const DeadLetterQueue = "dead-letter"

// DeadLetterRetention is how long dead-letter entries are kept for replay.
const DeadLetterRetention = 24 * time.Hour

// QueueConfig holds per-queue settings.
type QueueConfig struct {
	// Name is the queue identifier on the bus.
	Name string `yaml:"name" json:"name"`

	// Capacity caps the queue depth observed at routing time. Zero means
	// unbounded.
	Capacity int `yaml:"capacity" json:"capacity"`

	// ConsumerTimeout bounds how long a consumer may hold a message.
	ConsumerTimeout time.Duration `yaml:"consumer_timeout" json:"consumer_timeout"`

	// MaxRetries is the redelivery budget for consumers of this queue.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// TTL is applied to messages routed to this queue when they carry none.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// DeadLetter marks whether routing failures for this queue fall back
	// to the dead-letter queue.
	DeadLetter bool `yaml:"dead_letter" json:"dead_letter"`
}

// QueueStats tracks routing activity for one queue.
type QueueStats struct {
	Sent         int64     `json:"sent"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	LastActivity time.Time `json:"last_activity"`
}

// DeadLetter preserves a message that could not be routed.
type DeadLetter struct {
	ID       string           `json:"id"`
	Original *message.Message `json:"original"`
	Reason   string           `json:"reason"`
	At       time.Time        `json:"at"`
	// Replayed counts how many times the entry has been re-routed.
	// Replays are re-counted in queue statistics.
	Replayed int `json:"replayed"`
}

// Router resolves message kinds to queues and publishes via the bus.
type Router struct {
	mu     sync.Mutex
	bus    *bus.Bus
	routes map[message.Kind]string
	queues map[string]QueueConfig
	stats  map[string]*QueueStats
	dead   []*DeadLetter
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a router over the given bus. The routing table starts empty;
// queues and routes are added with AddQueue and Bind.
func New(b *bus.Bus, opts ...Option) *Router {
	r := &Router{
		bus:    b,
		routes: make(map[message.Kind]string),
		queues: make(map[string]QueueConfig),
		stats:  make(map[string]*QueueStats),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddQueue registers queue configuration. Re-adding a name replaces it.
func (r *Router) AddQueue(cfg QueueConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[cfg.Name] = cfg
	if _, ok := r.stats[cfg.Name]; !ok {
		r.stats[cfg.Name] = &QueueStats{}
	}
	return nil
}

// Bind maps a message kind to a queue name. The queue must already be added.
func (r *Router) Bind(kind message.Kind, queueName string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown message kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[queueName]; !ok {
		return fmt.Errorf("queue %q not configured", queueName)
	}
	r.routes[kind] = queueName
	return nil
}

// Route resolves the target queue for the message kind and publishes it.
// When the target is unknown, the queue is at capacity, or the bus rejects
// the publish, the message is wrapped into a dead-letter envelope and the
// method returns false.
func (r *Router) Route(msg *message.Message) bool {
	ok, reason := r.route(msg)
	if !ok {
		r.deadLetter(&DeadLetter{ID: msg.ID, Original: msg, Reason: reason, At: time.Now()})
	}
	return ok
}

// Send publishes the message to a named queue, applying the queue's capacity
// limit and default TTL. Failures dead-letter the message like Route.
func (r *Router) Send(target string, msg *message.Message) bool {
	ok, reason := r.send(target, msg)
	if !ok {
		r.deadLetter(&DeadLetter{ID: msg.ID, Original: msg, Reason: reason, At: time.Now()})
	}
	return ok
}

// route resolves and publishes without dead-lettering; the failure reason
// comes back to the caller.
func (r *Router) route(msg *message.Message) (bool, string) {
	r.mu.Lock()
	target, ok := r.routes[msg.Kind]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Sprintf("no route for kind %s", msg.Kind)
	}
	return r.send(target, msg)
}

func (r *Router) send(target string, msg *message.Message) (bool, string) {
	r.mu.Lock()
	cfg, ok := r.queues[target]
	stats := r.stats[target]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Sprintf("queue %s not configured", target)
	}

	if cfg.Capacity > 0 && r.bus.Depth(target) >= cfg.Capacity {
		r.recordFailure(target)
		return false, fmt.Sprintf("queue %s at capacity %d", target, cfg.Capacity)
	}

	routed := *msg
	routed.Recipient = target
	if routed.TTL == 0 && cfg.TTL > 0 {
		routed.TTL = cfg.TTL
	}

	if !r.bus.Publish(&routed) {
		r.recordFailure(target)
		return false, fmt.Sprintf("bus rejected publish to %s", target)
	}

	r.mu.Lock()
	stats.Sent++
	stats.LastActivity = time.Now()
	r.mu.Unlock()
	return true, ""
}

// Ack records a consumer acknowledgment for the queue: success increments
// the succeeded counter, failure the failed counter.
func (r *Router) Ack(queueName string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.stats[queueName]
	if !ok {
		return
	}
	if success {
		stats.Succeeded++
	} else {
		stats.Failed++
	}
	stats.LastActivity = time.Now()
}

// QueueFor returns the queue name bound to a kind, or "" when unbound.
func (r *Router) QueueFor(kind message.Kind) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[kind]
}

// Config returns the configuration for a queue.
func (r *Router) Config(queueName string) (QueueConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.queues[queueName]
	return cfg, ok
}

// Stats returns a snapshot of per-queue statistics.
func (r *Router) Stats() map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]QueueStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}

func (r *Router) recordFailure(queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stats, ok := r.stats[queueName]; ok {
		stats.Failed++
		stats.LastActivity = time.Now()
	}
}

// deadLetter retains the entry for replay and publishes the envelope to the
// dead-letter queue.
func (r *Router) deadLetter(entry *DeadLetter) {
	r.mu.Lock()
	r.pruneLocked(entry.At)
	r.dead = append(r.dead, entry)
	r.mu.Unlock()

	r.logger.Warn("message dead-lettered",
		"id", entry.ID,
		"kind", entry.Original.Kind,
		"reason", entry.Reason,
		"replayed", entry.Replayed)

	envelope := *entry.Original
	envelope.Recipient = DeadLetterQueue
	// Best effort: the in-memory retention above is authoritative for replay.
	r.bus.Publish(&envelope)
}

// DeadLetters returns the retained dead-letter entries, newest last.
func (r *Router) DeadLetters() []*DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(time.Now())
	out := make([]*DeadLetter, len(r.dead))
	copy(out, r.dead)
	return out
}

// Replay re-routes every retained dead-letter entry and returns the number
// successfully routed. Entries that route successfully are removed; entries
// that fail again are retained with their replay count incremented.
func (r *Router) Replay() int {
	r.mu.Lock()
	r.pruneLocked(time.Now())
	pending := r.dead
	r.dead = nil
	r.mu.Unlock()

	replayed := 0
	for _, entry := range pending {
		entry.Replayed++
		ok, reason := r.route(entry.Original)
		if ok {
			replayed++
			continue
		}
		// Re-retain the same entry so the replay count survives the
		// failed attempt.
		entry.Reason = reason
		entry.At = time.Now()
		r.deadLetter(entry)
	}

	r.logger.Info("dead-letter replay finished", "attempted", len(pending), "replayed", replayed)
	return replayed
}

// pruneLocked drops entries older than the retention window. Requires r.mu.
func (r *Router) pruneLocked(now time.Time) {
	cutoff := now.Add(-DeadLetterRetention)
	kept := r.dead[:0]
	for _, entry := range r.dead {
		if entry.At.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	r.dead = kept
}
