// Package optimizer wraps expensive external calls with composable
// strategies: cache lookaside, in-flight coalescing, bounded concurrency,
// and retry with exponential backoff.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/lexstream/cache"
	"github.com/c360studio/lexstream/llm"
)

// DefaultMaxConcurrent bounds concurrent outbound calls.
const DefaultMaxConcurrent = 10

// DefaultBatchPermits bounds parallel cache-miss execution inside a batch.
const DefaultBatchPermits = 5

// DefaultMaxRetries is the retry count after the initial attempt.
const DefaultMaxRetries = 3

// DefaultRetryBase is the first retry delay; subsequent delays double.
const DefaultRetryBase = time.Second

// Func executes the underlying external call.
type Func func(ctx context.Context) ([]byte, error)

// Strategies toggles each optimization independently. A disabled strategy
// degrades to plain execution.
type Strategies struct {
	Lookaside  bool
	Coalescing bool
	Bounding   bool
	Retry      bool
}

// AllStrategies enables every optimization.
func AllStrategies() Strategies {
	return Strategies{Lookaside: true, Coalescing: true, Bounding: true, Retry: true}
}

// Optimizer applies the enabled strategies around external calls. All
// methods are safe for concurrent use.
type Optimizer struct {
	cache      *cache.Cache
	group      singleflight.Group
	sem        *semaphore.Weighted
	batchSem   *semaphore.Weighted
	strategies Strategies
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger

	metrics metrics
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMaxConcurrent sets the outbound-call permit count.
func WithMaxConcurrent(n int64) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithBatchPermits sets the batch miss-execution permit count.
func WithBatchPermits(n int64) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.batchSem = semaphore.NewWeighted(n)
		}
	}
}

// WithStrategies replaces the default all-enabled strategy set.
func WithStrategies(s Strategies) Option {
	return func(o *Optimizer) {
		o.strategies = s
	}
}

// WithMaxRetries sets how many retries follow a failed attempt.
func WithMaxRetries(n int) Option {
	return func(o *Optimizer) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBase sets the first retry delay. Each retry doubles it.
func WithRetryBase(d time.Duration) Option {
	return func(o *Optimizer) {
		if d > 0 {
			o.retryBase = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// New creates an Optimizer backed by the given cache.
func New(c *cache.Cache, opts ...Option) *Optimizer {
	o := &Optimizer{
		cache:      c,
		sem:        semaphore.NewWeighted(DefaultMaxConcurrent),
		batchSem:   semaphore.NewWeighted(DefaultBatchPermits),
		strategies: AllStrategies(),
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBase,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CallOption adjusts a single call's cache write-through.
type CallOption func(*callOptions)

type callOptions struct {
	cacheOpts []cache.SetOption
}

// WithTTL overrides the kind-default TTL for the write-through.
func WithTTL(d time.Duration) CallOption {
	return func(c *callOptions) {
		c.cacheOpts = append(c.cacheOpts, cache.WithTTL(d))
	}
}

// WithTags declares dependency tags on the write-through.
func WithTags(tags ...string) CallOption {
	return func(c *callOptions) {
		c.cacheOpts = append(c.cacheOpts, cache.WithTags(tags...))
	}
}

// Do executes fn under the enabled strategies. The key identifies the call
// for both the cache lookaside and in-flight coalescing; identical keys in
// flight share a single execution and its outcome.
func (o *Optimizer) Do(ctx context.Context, key string, fn Func, opts ...CallOption) ([]byte, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	o.metrics.total.Add(1)
	start := time.Now()
	defer func() {
		o.metrics.observe(time.Since(start))
	}()

	if o.strategies.Lookaside && o.cache != nil {
		if value, ok := o.cache.Get(ctx, key); ok {
			o.metrics.cached.Add(1)
			return value, nil
		}
	}

	if !o.strategies.Coalescing {
		return o.execute(ctx, key, fn, co)
	}

	v, err, shared := o.group.Do(key, func() (any, error) {
		return o.execute(ctx, key, fn, co)
	})
	if shared {
		o.metrics.coalesced.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// execute runs one bounded, retried call and writes the result through.
func (o *Optimizer) execute(ctx context.Context, key string, fn Func, co callOptions) ([]byte, error) {
	if o.strategies.Bounding {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire call permit: %w", err)
		}
		defer o.sem.Release(1)
		o.metrics.enter()
		defer o.metrics.exit()
	}

	value, err := o.callWithRetry(ctx, key, fn)
	if err != nil {
		o.metrics.failed.Add(1)
		return nil, err
	}

	if o.strategies.Lookaside && o.cache != nil {
		if err := o.cache.Set(ctx, key, value, co.cacheOpts...); err != nil {
			o.logger.Warn("write-through failed", "key", key, "error", err)
		}
	}
	return value, nil
}

// callWithRetry retries transient failures with doubling delays. Fatal
// errors and context cancellation stop retrying immediately; the last
// error is surfaced.
func (o *Optimizer) callWithRetry(ctx context.Context, key string, fn Func) ([]byte, error) {
	maxRetries := o.maxRetries
	if !o.strategies.Retry {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := o.retryBase << (attempt - 1)
			o.metrics.retries.Add(1)
			o.logger.Debug("retrying call",
				"key", key,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if llm.IsFatal(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Stats returns a metrics snapshot.
func (o *Optimizer) Stats() Stats {
	return o.metrics.snapshot()
}
