package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

func newTarget() (signal.Handle, *signal.Queue) {
	q := signal.NewQueue()
	return signal.NewHandle(procid.ProcessID{Node: 1, Short: 1}, q), q
}

func TestSendAfterDelivers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	target, q := newTarget()
	s.SendAfter(target, message.NewTag(5), []byte("hi"), 10*time.Millisecond)

	require.NoError(t, q.Wait(context.Background()))
	sig, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, signal.KindMessage, sig.Kind)
	assert.Equal(t, "hi", string(sig.Msg.Payload))
}

func TestCancelPreventsDelivery(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	target, q := newTarget()
	id := s.SendAfter(target, message.NoTag, nil, 50*time.Millisecond)
	ok := s.Cancel(id)
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, q.Len())

	// Cancelling again, or an unknown id, reports false.
	assert.False(t, s.Cancel(id))
	assert.False(t, s.Cancel(999))
}

func TestLenTracksPending(t *testing.T) {
	s := New()
	target, _ := newTarget()
	s.SendAfter(target, message.NoTag, nil, time.Hour)
	s.SendAfter(target, message.NoTag, nil, time.Hour)
	assert.Equal(t, 2, s.Len())
}
