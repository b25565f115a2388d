package env

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

func TestSpawnNextIDNeverZeroOrReused(t *testing.T) {
	e := New(1)
	seen := map[procid.Short]bool{}
	for i := 0; i < 100; i++ {
		id := e.SpawnNextID()
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestAddGetRemove(t *testing.T) {
	e := New(1)
	short := e.SpawnNextID()
	q := signal.NewQueue()
	h := signal.NewHandle(procid.ProcessID{Node: 0, Short: short}, q)

	e.Add(h)
	assert.Equal(t, 1, e.ProcessCount())

	got, ok := e.Get(short)
	require.True(t, ok)
	assert.Equal(t, h.ID(), got.ID())

	e.Remove(short)
	assert.Equal(t, 0, e.ProcessCount())
	_, ok = e.Get(short)
	assert.False(t, ok)
}

func TestSendToMissingProcess(t *testing.T) {
	e := New(1)
	err := e.Send(42, signal.Kill)
	assert.ErrorIs(t, err, signal.ErrGone)
}

func TestShutdownBroadcastsKillAndAwaitsDrain(t *testing.T) {
	e := New(1)

	const n = 5
	queues := make([]*signal.Queue, n)
	for i := 0; i < n; i++ {
		short := e.SpawnNextID()
		q := signal.NewQueue()
		queues[i] = q
		e.Add(signal.NewHandle(procid.ProcessID{Node: 0, Short: short}, q))
	}

	// Simulate each "driver" observing Kill and then removing itself.
	go func() {
		for i, q := range queues {
			require.NoError(t, q.Wait(context.Background()))
			sig, ok := q.TryPop()
			require.True(t, ok)
			assert.Equal(t, signal.KindKill, sig.Kind)
			e.Remove(procid.Short(i + 1))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, 0, e.ProcessCount())
}
