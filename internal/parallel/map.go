// Package parallel runs a mapping function over a slice with a bounded number
// of workers. The port auditor uses it for its dial fallback, where a few
// connect attempts with individual timeouts would otherwise serialize.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies mapFunc to every item with at most limit workers and returns
// the results in input order. Per-item errors are collected next to their
// results instead of aborting the whole batch; a canceled context stops the
// processing.
func Map[E, D any](ctx context.Context, limit int, items []E, mapFunc func(context.Context, E) (D, error)) ([]D, []error) {
	results := make([]D, len(items))
	errs := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = mapFunc(gctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}
