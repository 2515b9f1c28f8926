package optimizer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BatchItem identifies one element of a URL batch: the cache key it is
// stored under and the URL handed to the batch function.
type BatchItem struct {
	Key string
	URL string
}

// BatchFunc executes the underlying call for one batch element.
type BatchFunc func(ctx context.Context, url string) ([]byte, error)

// DoBatch resolves every item, consulting the cache first and executing
// the miss subset in parallel under the batch permit pool. Results are
// returned in input order. Any execution error fails the whole batch;
// partial results are never silently dropped.
func (o *Optimizer) DoBatch(ctx context.Context, items []BatchItem, fn BatchFunc, opts ...CallOption) ([][]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	o.metrics.batched.Add(1)
	results := make([][]byte, len(items))

	var misses []int
	for i, item := range items {
		o.metrics.total.Add(1)
		if o.strategies.Lookaside && o.cache != nil {
			if value, ok := o.cache.Get(ctx, item.Key); ok {
				o.metrics.cached.Add(1)
				results[i] = value
				continue
			}
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range misses {
		item := items[i]
		idx := i
		g.Go(func() error {
			if err := o.batchSem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire batch permit: %w", err)
			}
			defer o.batchSem.Release(1)
			o.metrics.parallel.Add(1)

			value, err := o.callWithRetry(gctx, item.Key, func(c context.Context) ([]byte, error) {
				return fn(c, item.URL)
			})
			if err != nil {
				o.metrics.failed.Add(1)
				return fmt.Errorf("batch item %s: %w", item.URL, err)
			}

			if o.strategies.Lookaside && o.cache != nil {
				if err := o.cache.Set(gctx, item.Key, value, co.cacheOpts...); err != nil {
					o.logger.Warn("batch write-through failed", "key", item.Key, "error", err)
				}
			}
			results[idx] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
