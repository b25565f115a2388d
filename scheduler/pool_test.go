package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/engine"
)

func TestPoolRunsSubmittedDrivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(ctx, 3)

	const n = 10
	for i := 0; i < n; i++ {
		inst := &fakeInstance{steps: []scriptStep{{results: []engine.Value{engine.NewI32(0)}}}}
		d := &Driver{State: newTestState(t, inst), Entry: EntryPoint{ExportName: "_start"}}
		require.NoError(t, pool.Submit(ctx, d))
	}

	require.NoError(t, pool.Close())
}

func TestPoolClosesCleanlyWithNoWork(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	assert.NoError(t, pool.Close())
}

// blockingInstance occupies its worker indefinitely until release is closed,
// so a second Submit against a single-worker Pool is guaranteed to block on
// the task channel rather than racing an idle worker.
type blockingInstance struct {
	fakeInstance
	release chan struct{}
}

func (b *blockingInstance) CallExport(ctx context.Context, name string, args []engine.Value) ([]engine.Value, error) {
	<-b.release
	return nil, nil
}

func TestPoolSubmitRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(ctx, 1)

	blocker := &blockingInstance{release: make(chan struct{})}
	defer pool.Close()
	defer close(blocker.release)

	require.NoError(t, pool.Submit(ctx, &Driver{
		State: newTestState(t, blocker),
		Entry: EntryPoint{ExportName: "_start"},
	}))

	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()

	inst := &fakeInstance{steps: []scriptStep{{results: nil}}}
	d := &Driver{State: newTestState(t, inst), Entry: EntryPoint{ExportName: "_start"}}
	err := pool.Submit(cancelledCtx, d)
	assert.ErrorIs(t, err, context.Canceled)
}
