package router

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ExecuteParallel runs independent requests concurrently, bounded by the
// configured fan-out limit. Queries fail independently: one failing query
// never cancels or poisons the others, so callers inspect each response's
// error on its own.
func (r *Router) ExecuteParallel(ctx context.Context, reqs map[string]Request) map[string]Response {
	out := make(map[string]Response, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if r.config.MaxParallel > 0 {
		g.SetLimit(r.config.MaxParallel)
	}

	for id, req := range reqs {
		id, req := id, req
		g.Go(func() error {
			res, err := r.Execute(ctx, req)
			mu.Lock()
			out[id] = Response{Result: res, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}
