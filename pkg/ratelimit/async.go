package ratelimit

import (
	"context"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/concurrency"
)

// Result is a Decision and error pair delivered asynchronously.
type Result struct {
	Decision Decision
	Err      error
}

// AsyncLimiter wraps a synchronous Limiter so callers that want a
// non-blocking call style can fire a Check and pick up the Decision on a
// channel later, rather than blocking their own goroutine on the backend
// round trip.
type AsyncLimiter struct {
	limiter *Limiter
	pool    *concurrency.WorkerPool
}

// NewAsync wraps limiter with a fixed-size worker pool. The pool is started
// immediately and runs until Close.
func NewAsync(limiter *Limiter, workers int) *AsyncLimiter {
	if workers <= 0 {
		workers = 1
	}
	a := &AsyncLimiter{
		limiter: limiter,
		pool:    concurrency.NewWorkerPool(workers, workers*4),
	}
	a.pool.Start(context.Background())
	return a
}

// Check submits policy's evaluation to the worker pool and returns a
// channel that receives exactly one Result once it completes. The channel
// is buffered so the worker never blocks waiting for a reader.
func (a *AsyncLimiter) Check(ctx context.Context, policy Policy) <-chan Result {
	out := make(chan Result, 1)
	a.pool.Submit(func(poolCtx context.Context) {
		d, err := a.limiter.Check(ctx, policy)
		out <- Result{Decision: d, Err: err}
	})
	return out
}

// Close stops the worker pool and the underlying Limiter.
func (a *AsyncLimiter) Close() error {
	a.pool.Stop()
	return a.limiter.Close()
}
