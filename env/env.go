// Package env implements the environment (C8): the isolation domain that
// owns a live process map, assigns per-environment short ids, and
// coordinates shutdown. Concurrency shape (a sharded-by-nothing map behind
// one mutex plus short-lived critical sections) mirrors the teacher's
// environment-map usage pattern in eventloop's own registry bookkeeping;
// Kill fan-out on shutdown is batched via github.com/joeycumines/
// go-microbatch so a large process count doesn't serialize one Send call
// at a time.
package env

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

// Metrics is the subset of metrics.Registry this environment reports
// spawn/exit counts to, declared locally to avoid a compile-time
// dependency on the concrete metrics package.
type Metrics interface {
	ProcessSpawned()
	ProcessExited(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ProcessSpawned()      {}
func (noopMetrics) ProcessExited(string) {}

// Environment is the C8 service.
type Environment struct {
	id  uint64
	gen procid.Generator

	metrics Metrics

	mu        sync.RWMutex
	processes map[procid.Short]signal.Handle
}

// New constructs an empty environment identified by id (unique within a
// runtime; see package runtime).
func New(id uint64) *Environment {
	return &Environment{id: id, metrics: noopMetrics{}, processes: make(map[procid.Short]signal.Handle)}
}

// SetMetrics attaches a metrics sink; optional, defaults to a no-op.
func (e *Environment) SetMetrics(m Metrics) { e.metrics = m }

// ID returns this environment's identifier.
func (e *Environment) ID() uint64 { return e.id }

// SpawnNextID allocates the next short id for a process about to be
// spawned into this environment. Ids are never reused within the
// environment's lifetime (spec invariant 1).
func (e *Environment) SpawnNextID() procid.Short { return e.gen.Next() }

// Add registers a live process's handle under its short id. Called once by
// the spawner (runtime.Runtime) immediately after allocating the process's
// State.
func (e *Environment) Add(h signal.Handle) {
	e.mu.Lock()
	e.processes[h.ID().Short] = h
	e.mu.Unlock()
	e.metrics.ProcessSpawned()
}

// Remove drops a process from the environment, called once by the driver
// during cleanup after the guest has exited.
func (e *Environment) Remove(id procid.Short) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processes, id)
}

// RemoveExited is Remove plus an exit-reason metrics observation; the
// driver calls this instead of Remove so the environment doesn't need to
// inspect message.ExitReason itself.
func (e *Environment) RemoveExited(id procid.Short, reason string) {
	e.Remove(id)
	e.metrics.ProcessExited(reason)
}

// Get returns the handle for id, if the process is still live.
func (e *Environment) Get(id procid.Short) (signal.Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.processes[id]
	return h, ok
}

// Lookup is an alias of Get matching the process.Environment interface's
// naming (process state code treats "lookup a peer for linking" and "get
// my own handle" as the same operation).
func (e *Environment) Lookup(id procid.Short) (signal.Handle, bool) { return e.Get(id) }

// Send delivers s to the process addressed by id, returning signal.ErrGone
// if no such process is currently live.
func (e *Environment) Send(id procid.Short, s signal.Signal) error {
	h, ok := e.Get(id)
	if !ok {
		return signal.ErrGone
	}
	return h.Send(s)
}

// ProcessCount reports the number of currently live processes.
func (e *Environment) ProcessCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.processes)
}

// Shutdown broadcasts Kill to every live process and blocks until drained
// reports every one of them has been removed (i.e. every driver observed
// Kill and finished its own cleanup-triggered Remove), or ctx is done.
// The broadcast itself is batched through go-microbatch so that a large
// process count is delivered in bounded-size groups rather than one Send
// syscall-equivalent at a time.
func (e *Environment) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	handles := make([]signal.Handle, 0, len(e.processes))
	for _, h := range e.processes {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	if len(handles) == 0 {
		return nil
	}

	batcher := microbatch.NewBatcher[signal.Handle](&microbatch.BatcherConfig{
		MaxSize:        64,
		FlushInterval:  5 * time.Millisecond,
		MaxConcurrency: 4,
	}, func(ctx context.Context, batch []signal.Handle) error {
		for _, h := range batch {
			_ = h.Send(signal.Kill)
		}
		return nil
	})

	results := make([]*microbatch.JobResult[signal.Handle], 0, len(handles))
	for _, h := range handles {
		r, err := batcher.Submit(ctx, h)
		if err != nil {
			_ = batcher.Close()
			return err
		}
		results = append(results, r)
	}
	for _, r := range results {
		if err := r.Wait(ctx); err != nil {
			_ = batcher.Close()
			return err
		}
	}
	if err := batcher.Shutdown(ctx); err != nil {
		return err
	}

	return e.awaitDrain(ctx)
}

func (e *Environment) awaitDrain(ctx context.Context) error {
	ticker := make(chan struct{}, 1)
	go func() {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			e.mu.RLock()
			n := len(e.processes)
			e.mu.RUnlock()
			if n == 0 {
				close(ticker)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	select {
	case <-ticker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
