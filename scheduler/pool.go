package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs a bounded number of worker goroutines, each pulling the next
// ready Driver off a shared channel and running it to completion. This is
// the "multi-threaded work-stealing task executor" of spec §5, simplified
// to a shared-queue pool (Go's runtime already work-steals goroutines
// across Ps; a bespoke work-stealing deque on top would duplicate that).
type Pool struct {
	tasks chan *Driver
	eg    *errgroup.Group
	ctx   context.Context
}

// NewPool constructs a Pool with the given worker count, driven by ctx:
// cancelling ctx stops workers from picking up further tasks (in-flight
// drivers still observe Kill through their own signal queues, per spec
// §5's cancellation model, rather than being abruptly abandoned).
func NewPool(ctx context.Context, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	p := &Pool{tasks: make(chan *Driver), eg: eg, ctx: egCtx}
	for i := 0; i < workers; i++ {
		eg.Go(p.worker)
	}
	return p
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case d, ok := <-p.tasks:
			if !ok {
				return nil
			}
			d.Run(p.ctx)
		}
	}
}

// Submit enqueues d to run on the next free worker. Blocks until a worker
// is available or ctx is done.
func (p *Pool) Submit(ctx context.Context, d *Driver) error {
	select {
	case p.tasks <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Close stops accepting new tasks and waits for every in-flight Driver.Run
// call to return.
func (p *Pool) Close() error {
	close(p.tasks)
	return p.eg.Wait()
}
