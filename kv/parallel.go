package kv

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const maxBatchConcurrency = 8

// parallelKeys runs fn for every key index with bounded parallelism. Small
// batches run inline to avoid goroutine overhead.
func parallelKeys(ctx context.Context, keys [][]byte, fn func(ctx context.Context, i int) error) error {
	if len(keys) <= 1 {
		for i := range keys {
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	limit := maxBatchConcurrency
	if limit > len(keys) {
		limit = len(keys)
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i := range keys {
		i := i
		eg.Go(func() error {
			return fn(egctx, i)
		})
	}
	return eg.Wait()
}
