package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/procid"
)

func TestPutGet(t *testing.T) {
	r := New()
	r.Put("svc", 1, 42)
	node, pid, ok := r.Get("svc")
	require.True(t, ok)
	assert.Equal(t, procid.NodeID(1), node)
	assert.Equal(t, procid.Short(42), pid)
}

func TestGetOrPutLaterHit(t *testing.T) {
	r := New()
	r.Put("svc", 1, 42)
	node, pid, found, err := r.GetOrPutLater(context.Background(), "svc", 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, procid.NodeID(1), node)
	assert.Equal(t, procid.Short(42), pid)
}

func TestGetOrPutLaterMissThenPutReleases(t *testing.T) {
	r := New()
	_, _, found, err := r.GetOrPutLater(context.Background(), "svc", 7)
	require.NoError(t, err)
	require.False(t, found)

	assert.Error(t, r.CheckReservation("svc", 7))

	r.Put("svc", 2, 99)
	assert.NoError(t, r.CheckReservation("svc", 7))

	node, pid, ok := r.Get("svc")
	require.True(t, ok)
	assert.Equal(t, procid.NodeID(2), node)
	assert.Equal(t, procid.Short(99), pid)
}

func TestCheckReservationTrapsOnAnyName(t *testing.T) {
	r := New()
	_, _, found, err := r.GetOrPutLater(context.Background(), "A", 7)
	require.NoError(t, err)
	require.False(t, found)

	// Holder 7 reserved "A"; any other registry operation by holder 7 —
	// even against an unrelated name — must still trap (spec §4.5).
	assert.Error(t, r.CheckReservation("B", 7))
	assert.NoError(t, r.CheckReservation("B", 8))
}

func TestReleaseReservationOnlyByHolder(t *testing.T) {
	r := New()
	r.GetOrPutLater(context.Background(), "svc", 7)
	r.ReleaseReservation("svc", 8) // wrong holder, no-op
	assert.Error(t, r.CheckReservation("svc", 7))
	r.ReleaseReservation("svc", 7)
	assert.NoError(t, r.CheckReservation("svc", 7))
}

// TestGetOrPutLaterSerializesConcurrentMisses asserts the core TOCTOU-free
// guarantee: of many concurrent GetOrPutLater callers racing on the same
// unset name, exactly one observes found=false at a time until it Puts;
// every other concurrent caller blocks until then and then observes
// found=true with the winner's value.
func TestGetOrPutLaterSerializesConcurrentMisses(t *testing.T) {
	r := New()
	const n = 20
	var wg sync.WaitGroup
	results := make(chan bool, n)

	var winnerOnce sync.Once
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, found, err := r.GetOrPutLater(context.Background(), "singleton", procid.Short(i))
			require.NoError(t, err)
			if !found {
				winnerOnce.Do(func() {
					r.Put("singleton", 1, procid.Short(i))
				})
			}
			results <- found
		}(i)
	}
	wg.Wait()
	close(results)

	hits := 0
	for found := range results {
		if found {
			hits++
		}
	}
	assert.Equal(t, n-1, hits)

	node, pid, ok := r.Get("singleton")
	require.True(t, ok)
	assert.Equal(t, procid.NodeID(1), node)
	_ = pid
}

func TestGetOrPutLaterRespectsContextCancellation(t *testing.T) {
	r := New()
	_, _, found, err := r.GetOrPutLater(context.Background(), "svc", 1)
	require.False(t, found)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, _, err = r.GetOrPutLater(ctx, "svc", 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
