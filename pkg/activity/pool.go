package activity

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Pool is the bounded worker pool servicing background activities.
type Pool struct {
	workers   *pool.Pool
	submitted sync.WaitGroup
}

// DefaultPoolSize bounds background fan-out when the caller does not ask
// for a specific size.
const DefaultPoolSize = 5

// NewPool builds a pool running at most size background activities
// concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{workers: pool.New().WithMaxGoroutines(size)}
}

// Submit schedules a background execution of the activity and returns its
// handle. Submission never blocks: when all workers are busy the activity
// queues until one frees up.
func (p *Pool) Submit(ctx context.Context, experiment types.Experiment,
	a types.Activity, configuration types.Configuration,
	secrets types.Secrets, opts Options) *Future {
	future := &Future{activity: a, done: make(chan struct{})}
	p.submitted.Add(1)
	go func() {
		defer p.submitted.Done()
		p.workers.Go(func() {
			defer close(future.done)
			future.run, future.err = Execute(ctx, experiment, a,
				configuration, secrets, opts)
		})
	}()
	return future
}

// Wait blocks until every submitted activity has completed.
func (p *Pool) Wait() {
	p.submitted.Wait()
	p.workers.Wait()
}

// Future is the pending result of a background activity.
type Future struct {
	activity types.Activity
	done     chan struct{}
	run      types.Run
	err      error
}

// Activity returns the activity the future was submitted for.
func (f *Future) Activity() types.Activity { return f.activity }

// Done reports completion without blocking.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the background activity completes and returns its
// run. The error mirrors Execute's error contract.
func (f *Future) Result() (types.Run, error) {
	<-f.done
	return f.run, f.err
}
