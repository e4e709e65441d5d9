package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every element concurrently and waits until all of
// them return. Results keep the order of elems. A failing or slow element
// never cancels the others; ctx is only passed through.
func Map[E, D any](ctx context.Context, elems []E, mapFunc func(context.Context, E) D) []D {
	ret := make([]D, len(elems))
	var g errgroup.Group
	for idx, e := range elems {
		g.Go(func() error {
			ret[idx] = mapFunc(ctx, e)
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return ret
}

// Each is Map without results.
func Each[E any](ctx context.Context, elems []E, fn func(context.Context, E)) {
	_ = Map(ctx, elems, func(ctx context.Context, e E) struct{} {
		fn(ctx, e)
		return struct{}{}
	})
}
