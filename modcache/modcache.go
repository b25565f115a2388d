// Package modcache implements the compiled module cache (C4): an
// LRU-bounded cache of engine.Module keyed by module id, using
// github.com/hashicorp/golang-lru/v2 (grounded on
// webitel-im-delivery-service's go.mod, where it backs session/route
// caches), plus a hand-rolled per-key coalescer so concurrent compiles of
// the *same* module id share one compilation instead of racing (spec §5:
// "concurrent compiles of the same module coalesce and share the
// resulting artifact"; concurrent compiles of distinct ids must never
// contend, which golang-lru's internal sharded locking already gives us).
//
// golang.org/x/sync/singleflight would be the natural off-the-shelf
// coalescer, but it is not present anywhere in this repo's retrieval pack,
// so the coalescing itself is hand-rolled here (a few lines over a
// mutex-guarded map of wait channels) rather than reached for outside the pack; see
// DESIGN.md for the full justification.
package modcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joeycumines/lunatic/engine"
)

// Compiler is the subset of engine.Engine the cache needs.
type Compiler interface {
	Compile(ctx context.Context, wasmBytes []byte) (engine.Module, error)
}

// inflight tracks one in-progress compilation that other callers for the
// same id should wait on rather than duplicate.
type inflight struct {
	done   chan struct{}
	module engine.Module
	err    error
}

// Metrics is the subset of metrics.Registry this cache reports to,
// declared locally so modcache has no compile-time dependency on the
// concrete metrics package (the same narrow-collaborator convention used
// by process.Registry/process.Environment).
type Metrics interface {
	ModuleCacheHit()
	ModuleCacheMiss()
}

type noopMetrics struct{}

func (noopMetrics) ModuleCacheHit()  {}
func (noopMetrics) ModuleCacheMiss() {}

// Cache is the C4 service: bounded by entry count, keyed by module id.
type Cache struct {
	engine  Compiler
	lru     *lru.Cache[string, engine.Module]
	metrics Metrics

	mu        sync.Mutex
	inflights map[string]*inflight
}

// New constructs a Cache holding at most capacity compiled modules, backed
// by engine for cache misses.
func New(engine Compiler, capacity int) (*Cache, error) {
	l, err := lru.New[string, engine.Module](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{engine: engine, lru: l, metrics: noopMetrics{}, inflights: make(map[string]*inflight)}, nil
}

// SetMetrics attaches a metrics sink; calling it is optional, a fresh Cache
// reports to a no-op sink until this is called.
func (c *Cache) SetMetrics(m Metrics) { c.metrics = m }

// GetOrCompile returns the cached Module for id if present; otherwise it
// compiles wasmBytes, caches the result under id, and returns it.
// Concurrent calls for the same id coalesce onto a single Compile call.
func (c *Cache) GetOrCompile(ctx context.Context, id string, wasmBytes []byte) (engine.Module, error) {
	if m, ok := c.lru.Get(id); ok {
		c.metrics.ModuleCacheHit()
		return m, nil
	}
	c.metrics.ModuleCacheMiss()

	c.mu.Lock()
	if m, ok := c.lru.Get(id); ok {
		c.mu.Unlock()
		return m, nil
	}
	if f, ok := c.inflights[id]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.module, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	c.inflights[id] = f
	c.mu.Unlock()

	m, err := c.engine.Compile(ctx, wasmBytes)
	if err == nil {
		c.lru.Add(id, m)
	}
	f.module, f.err = m, err
	close(f.done)

	c.mu.Lock()
	delete(c.inflights, id)
	c.mu.Unlock()
	return m, err
}

// Peek returns the cached module for id without affecting its LRU
// recency, or false if absent.
func (c *Cache) Peek(id string) (engine.Module, bool) {
	return c.lru.Peek(id)
}

// Len reports the number of currently cached modules.
func (c *Cache) Len() int { return c.lru.Len() }
