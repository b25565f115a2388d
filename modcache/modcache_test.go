package modcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/engine"
)

type fakeModule struct{ id string }

func (f *fakeModule) ID() string { return f.id }
func (f *fakeModule) Instantiate(context.Context, engine.Limits, engine.Linker) (engine.Instance, error) {
	return nil, nil
}

type countingCompiler struct {
	calls int32
	gate  chan struct{}
}

func (c *countingCompiler) Compile(ctx context.Context, wasmBytes []byte) (engine.Module, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		<-c.gate
	}
	return &fakeModule{id: string(wasmBytes)}, nil
}

func TestGetOrCompileCachesResult(t *testing.T) {
	compiler := &countingCompiler{}
	cache, err := New(compiler, 8)
	require.NoError(t, err)

	m1, err := cache.GetOrCompile(context.Background(), "a", []byte("a"))
	require.NoError(t, err)
	m2, err := cache.GetOrCompile(context.Background(), "a", []byte("a"))
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.EqualValues(t, 1, compiler.calls)
}

func TestGetOrCompileCoalescesConcurrentCompiles(t *testing.T) {
	compiler := &countingCompiler{gate: make(chan struct{})}
	cache, err := New(compiler, 8)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make([]engine.Module, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := cache.GetOrCompile(context.Background(), "shared", []byte("shared"))
			require.NoError(t, err)
			results[i] = m
		}(i)
	}
	close(compiler.gate)
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.EqualValues(t, 1, compiler.calls)
}

func TestDistinctIDsDoNotContend(t *testing.T) {
	compiler := &countingCompiler{}
	cache, err := New(compiler, 8)
	require.NoError(t, err)

	_, err = cache.GetOrCompile(context.Background(), "a", []byte("a"))
	require.NoError(t, err)
	_, err = cache.GetOrCompile(context.Background(), "b", []byte("b"))
	require.NoError(t, err)

	assert.EqualValues(t, 2, compiler.calls)
	assert.Equal(t, 2, cache.Len())
}
