package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs the output of a mapping call with its error.
type Result[D any] struct {
	Value D
	Err   error
}

// Map calls mapFunc for every item with at most limit calls in flight and
// returns the results in input order. A failing call does not stop the others,
// its error is reported in the matching Result. Items not started before ctx is
// canceled get ctx.Err().
//
//	for _, r := range parallel.Map(ctx, 4, providers, list) {}
func Map[E, D any](ctx context.Context, limit int, items []E, mapFunc func(context.Context, E) (D, error)) []Result[D] {
	ret := make([]Result[D], len(items))
	if len(items) == 0 {
		return ret
	}
	if limit <= 0 {
		limit = len(items)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for idx, item := range items {
		if err := ctx.Err(); err != nil {
			ret[idx].Err = err
			continue
		}
		g.Go(func() error {
			d, err := mapFunc(ctx, item)
			ret[idx] = Result[D]{Value: d, Err: err}
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return ret
}
