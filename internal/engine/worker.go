package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// DispatchMetrics counts node dispatch outcomes across a run.
type DispatchMetrics struct {
	Dispatched int64
	Completed  int64
	Panics     int64
}

// Gate bounds how many node executions run at once. The coordinator creates
// one per run sized to maxConcurrency and drives every layer through it, so
// the cap applies within a layer while the counters accumulate across the
// whole run.
type Gate struct {
	slots   chan struct{}
	metrics DispatchMetrics
}

// NewGate creates a gate admitting at most size concurrent executions.
func NewGate(size int) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{slots: make(chan struct{}, size)}
}

// RunLayer starts every fn under the gate's bound and blocks until all
// started work settles. Slot acquisition respects ctx: once the context is
// canceled no further fns start, in-flight ones drain, and the context error
// is returned. A panicking fn is contained and counted, not propagated.
func (g *Gate) RunLayer(ctx context.Context, fns []func(context.Context)) error {
	var wg sync.WaitGroup
	var dispatchErr error
	for _, fn := range fns {
		select {
		case g.slots <- struct{}{}:
			// The slot may have been won against a concurrent cancellation.
			if err := ctx.Err(); err != nil {
				<-g.slots
				dispatchErr = err
			}
		case <-ctx.Done():
			dispatchErr = ctx.Err()
		}
		if dispatchErr != nil {
			break
		}

		wg.Add(1)
		atomic.AddInt64(&g.metrics.Dispatched, 1)
		go func(fn func(context.Context)) {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&g.metrics.Panics, 1)
				} else {
					atomic.AddInt64(&g.metrics.Completed, 1)
				}
				<-g.slots
				wg.Done()
			}()
			fn(ctx)
		}(fn)
	}
	wg.Wait()
	return dispatchErr
}

// Metrics returns a snapshot of the gate counters.
func (g *Gate) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Dispatched: atomic.LoadInt64(&g.metrics.Dispatched),
		Completed:  atomic.LoadInt64(&g.metrics.Completed),
		Panics:     atomic.LoadInt64(&g.metrics.Panics),
	}
}
