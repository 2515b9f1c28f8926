package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSweepInterval is how often the background sweeper removes expired
// entries.
const DefaultSweepInterval = 5 * time.Minute

// DefaultFileThreshold routes serialized payloads at or above this size to
// the file layer.
const DefaultFileThreshold = 64 * 1024

// DefaultLocalMaxBytes bounds the local LRU layer.
const DefaultLocalMaxBytes = 64 * 1024 * 1024

// Config holds cache construction settings.
type Config struct {
	// Dir is the file-layer directory.
	Dir string

	// LocalMaxBytes bounds the in-memory LRU by total value bytes.
	LocalMaxBytes int64

	// FileThreshold routes payloads at or above this many bytes to the
	// file layer only.
	FileThreshold int

	// SweepInterval is the expired-entry sweep period.
	SweepInterval time.Duration

	// Shared is the middle layer; nil selects the in-memory store.
	Shared SharedStore

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Cache is the three-tier cache manager. Reads consult local, then shared,
// then file; writes select the layer by serialized payload size.
type Cache struct {
	local  *localStore
	shared SharedStore
	file   *fileStore

	tagMu sync.Mutex
	tags  map[string]map[string]struct{}

	fileThreshold int
	sweepInterval time.Duration
	logger        *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	fileWrites atomic.Int64
	fileReads  atomic.Int64
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	FileWrites int64   `json:"file_writes"`
	FileReads  int64   `json:"file_reads"`
	HitRate    float64 `json:"hit_rate"`
	LocalBytes int64   `json:"local_bytes"`
}

// New creates the cache manager.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.LocalMaxBytes <= 0 {
		cfg.LocalMaxBytes = DefaultLocalMaxBytes
	}
	if cfg.FileThreshold <= 0 {
		cfg.FileThreshold = DefaultFileThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Shared == nil {
		cfg.Shared = NewMemoryShared()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		shared:        cfg.Shared,
		tags:          make(map[string]map[string]struct{}),
		fileThreshold: cfg.FileThreshold,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
	}

	local, err := newLocalStore(cfg.LocalMaxBytes, func(string) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("create local store: %w", err)
	}
	c.local = local

	file, err := newFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	c.file = file

	return c, nil
}

// SetOption adjusts a single write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl    time.Duration
	ttlSet bool
	tags   []string
}

// WithTTL overrides the kind-default TTL for this write. Zero disables
// expiry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = d
		o.ttlSet = true
	}
}

// WithTags declares dependency tags; invalidating any tag evicts the entry.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// Set stores a value under the namespaced key. The value's size before
// compression selects the layer: small entries go to local and shared,
// large entries to the file layer only. Compression changes what is
// stored, never where.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	ttl := o.ttl
	if !o.ttlSet {
		ttl = TTLFor(kindOf(key))
	}

	stored, compressed := encodeValue(value)
	now := time.Now()
	e := &Entry{
		Key:          key,
		Value:        stored,
		CreatedAt:    now,
		LastAccessed: now,
		Size:         len(stored),
		Tags:         o.tags,
		Compressed:   compressed,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	c.indexTags(key, o.tags)

	if len(value) >= c.fileThreshold {
		c.fileWrites.Add(1)
		return c.file.set(e)
	}

	c.local.set(e)
	data, err := marshalEntry(e)
	if err != nil {
		return err
	}
	if err := c.shared.Set(ctx, key, data); err != nil {
		// Shared-layer errors degrade to local-only caching.
		c.logger.Warn("shared cache write failed", "key", key, "error", err)
	}
	return nil
}

// Get returns the cached value for the key. Expired entries are removed
// eagerly and reported as a miss. Cache errors degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	if e, ok := c.local.get(key, now); ok {
		value, err := decodeValue(e.Value)
		if err == nil {
			c.hits.Add(1)
			return value, true
		}
		c.local.remove(key)
	}

	if data, ok, err := c.shared.Get(ctx, key); err == nil && ok {
		e, err := unmarshalEntry(data)
		if err == nil {
			if e.Expired(now) {
				_ = c.shared.Delete(ctx, key)
			} else if value, err := decodeValue(e.Value); err == nil {
				e.AccessCount++
				e.LastAccessed = now
				// Promote to local for subsequent reads.
				c.local.set(e)
				c.hits.Add(1)
				return value, true
			}
		}
	} else if err != nil {
		c.logger.Warn("shared cache read failed", "key", key, "error", err)
	}

	if e, ok, err := c.file.get(key, now); err == nil && ok {
		if value, err := decodeValue(e.Value); err == nil {
			c.fileReads.Add(1)
			c.hits.Add(1)
			return value, true
		}
	} else if err != nil {
		c.logger.Warn("file cache read failed", "key", key, "error", err)
	}

	c.misses.Add(1)
	return nil, false
}

// Invalidate removes the key from every layer.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.local.remove(key)
	if err := c.shared.Delete(ctx, key); err != nil {
		c.logger.Warn("shared cache delete failed", "key", key, "error", err)
	}
	_ = c.file.remove(key)
	c.unindexKey(key)
}

// InvalidatePattern removes every key matching the doublestar glob and
// returns how many keys were evicted.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := 0
	for _, key := range c.allKeys(ctx) {
		match, err := doublestar.Match(pattern, key)
		if err != nil {
			c.logger.Warn("invalid cache pattern", "pattern", pattern, "error", err)
			return removed
		}
		if match {
			c.Invalidate(ctx, key)
			removed++
		}
	}
	return removed
}

// InvalidateTag evicts every entry that declared the dependency tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) int {
	c.tagMu.Lock()
	keys := make([]string, 0, len(c.tags[tag]))
	for key := range c.tags[tag] {
		keys = append(keys, key)
	}
	delete(c.tags, tag)
	c.tagMu.Unlock()

	for _, key := range keys {
		c.Invalidate(ctx, key)
	}
	return len(keys)
}

// Start launches the periodic expired-entry sweeper.
func (c *Cache) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return fmt.Errorf("cache already running")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.sweepLoop(sweepCtx)
	return nil
}

// Stop halts the sweeper.
func (c *Cache) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false
}

func (c *Cache) sweepLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep removes expired entries from every layer and returns the count.
func (c *Cache) Sweep(ctx context.Context) int {
	now := time.Now()
	removed := c.local.sweep(now)

	if keys, err := c.shared.Keys(ctx); err == nil {
		for _, key := range keys {
			data, ok, err := c.shared.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			e, err := unmarshalEntry(data)
			if err != nil || e.Expired(now) {
				if c.shared.Delete(ctx, key) == nil {
					removed++
				}
			}
		}
	}

	removed += c.file.sweep(now)

	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries", "count", removed)
	}
	return removed
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:       hits,
		Misses:     misses,
		Evictions:  c.evictions.Load(),
		FileWrites: c.fileWrites.Load(),
		FileReads:  c.fileReads.Load(),
		LocalBytes: c.local.bytes(),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	return s
}

func (c *Cache) indexTags(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		if c.tags[tag] == nil {
			c.tags[tag] = make(map[string]struct{})
		}
		c.tags[tag][key] = struct{}{}
	}
}

func (c *Cache) unindexKey(key string) {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for tag, keys := range c.tags {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.tags, tag)
		}
	}
}

// allKeys unions keys across layers, deduplicated.
func (c *Cache) allKeys(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var keys []string

	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	for _, k := range c.local.keys() {
		add(k)
	}
	if shared, err := c.shared.Keys(ctx); err == nil {
		for _, k := range shared {
			add(k)
		}
	}
	if fileKeys, err := c.file.keys(); err == nil {
		for _, k := range fileKeys {
			add(k)
		}
	}
	return keys
}

func kindOf(key string) Kind {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return Kind(key[:i])
	}
	return ""
}
