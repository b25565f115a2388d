package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/registry"
	"github.com/joeycumines/lunatic/signal"
	"github.com/joeycumines/lunatic/timer"
)

// fakeMemory is a flat byte slice standing in for a guest's linear memory.
type fakeMemory struct{ buf []byte }

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) Read(offset, length uint32) ([]byte, bool) {
	if uint64(offset)+uint64(length) > uint64(len(m.buf)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])
	return out, true
}

func (m *fakeMemory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], data)
	return true
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

// fakeInstance is a minimal engine.Instance exposing only Memory(), which
// is all host functions are permitted to use (matching the real adapter's
// restricted callerInstance).
type fakeInstance struct{ mem *fakeMemory }

func (f *fakeInstance) CallExport(context.Context, string, []engine.Value) ([]engine.Value, error) {
	return nil, nil
}
func (f *fakeInstance) CallIndirect(context.Context, uint32, []byte) ([]engine.Value, error) {
	return nil, &engine.TrapError{Message: "not implemented by fakeInstance"}
}
func (f *fakeInstance) Resume(context.Context) ([]engine.Value, error) { return nil, nil }
func (f *fakeInstance) Memory() engine.Memory                          { return f.mem }
func (f *fakeInstance) Close(context.Context) error                    { return nil }

type fakeEnvironment struct {
	handles map[procid.Short]signal.Handle
}

func newFakeEnvironment() *fakeEnvironment {
	return &fakeEnvironment{handles: map[procid.Short]signal.Handle{}}
}

func (e *fakeEnvironment) Send(id procid.Short, s signal.Signal) error {
	h, ok := e.handles[id]
	if !ok {
		return signal.ErrGone
	}
	return h.Send(s)
}
func (e *fakeEnvironment) Remove(id procid.Short)    { delete(e.handles, id) }
func (e *fakeEnvironment) SpawnNextID() procid.Short { return procid.Short(len(e.handles) + 1) }
func (e *fakeEnvironment) Lookup(id procid.Short) (signal.Handle, bool) {
	h, ok := e.handles[id]
	return h, ok
}

func newTestHost(t *testing.T) (*Host, *fakeInstance, *process.State) {
	t.Helper()
	env := newFakeEnvironment()
	reg := registry.New()
	st := process.New(procid.ProcessID{Node: 1, Short: 1}, 1, nil, process.DefaultConfig(), reg, env)
	env.handles[1] = st.Handle()
	h := NewHost(st, timer.New(), nil, 1)
	return h, &fakeInstance{mem: newFakeMemory(4096)}, st
}

func TestCreateWriteSendRoundTrip(t *testing.T) {
	sender, senderInst, senderState := newTestHost(t)
	receiverState := process.New(procid.ProcessID{Node: 1, Short: 2}, 2, nil, process.DefaultConfig(), registry.New(), &fakeEnvironment{handles: map[procid.Short]signal.Handle{}})

	env := senderState.Environment.(*fakeEnvironment)
	env.handles[2] = receiverState.Handle()

	ctx := context.Background()
	payload := []byte("hello")
	copy(senderInst.mem.buf[0:], payload)

	_, err := sender.createData(ctx, senderInst, []engine.Value{engine.NewI32(0), engine.NewI64(0), engine.NewI32(16)})
	require.NoError(t, err)

	_, err = sender.writeData(ctx, senderInst, []engine.Value{engine.NewI32(0), engine.NewI32(int32(len(payload)))})
	require.NoError(t, err)

	results, err := sender.send(ctx, senderInst, []engine.Value{engine.NewI64(1), engine.NewI64(2)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), results[0].I32)
	assert.Nil(t, senderState.ScratchMessage)

	// send only enqueues a KindMessage signal; a running driver is what
	// drains it into the receiver's message mailbox (package scheduler).
	require.Equal(t, 1, receiverState.Signals.Len())
	sig, ok := receiverState.Signals.TryPop()
	require.True(t, ok)
	require.Equal(t, signal.KindMessage, sig.Kind)
	assert.Equal(t, payload, sig.Msg.Payload)
}

func TestReceiveAndReadData(t *testing.T) {
	host, inst, st := newTestHost(t)
	msg := []byte("payload-bytes")
	st.Mailbox.Push(message.NewData(message.NoTag, msg, nil))

	ctx := context.Background()
	results, err := host.receive(ctx, inst, []engine.Value{engine.NewI32(0), engine.NewI32(0), engine.NewI64(0)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), results[0].I32)
	require.NotNil(t, st.PendingReceive)

	outPtr := uint32(100)
	results, err = host.readData(ctx, inst, []engine.Value{engine.NewI32(int32(outPtr)), engine.NewI32(int32(len(msg)))})
	require.NoError(t, err)
	assert.Equal(t, int32(len(msg)), results[0].I32)
	got, ok := inst.mem.Read(outPtr, uint32(len(msg)))
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestRegistryGetOrPutLaterRoundTrip(t *testing.T) {
	host, inst, st := newTestHost(t)
	ctx := context.Background()

	name := "singleton"
	copy(inst.mem.buf[0:], name)

	results, err := host.registryGetOrPutLater(ctx, inst, []engine.Value{
		engine.NewI32(0), engine.NewI32(int32(len(name))), engine.NewI32(200),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), results[0].I32)
	assert.True(t, st.Reservation.Held)

	// Any other registry op while reserved traps.
	_, err = host.registryGet(ctx, inst, []engine.Value{engine.NewI32(0), engine.NewI32(int32(len(name))), engine.NewI32(200)})
	assert.Error(t, err)

	_, err = host.registryPut(ctx, inst, []engine.Value{
		engine.NewI32(0), engine.NewI32(int32(len(name))), engine.NewI64(1), engine.NewI64(7),
	})
	require.NoError(t, err)
	assert.False(t, st.Reservation.Held)

	node, pid, found := st.Registry.Get(name)
	assert.True(t, found)
	assert.EqualValues(t, 1, node)
	assert.EqualValues(t, 7, pid)
}

func TestSendAfterAndCancel(t *testing.T) {
	host, inst, _ := newTestHost(t)
	ctx := context.Background()

	_, err := host.createData(ctx, inst, []engine.Value{engine.NewI32(0), engine.NewI64(0), engine.NewI32(8)})
	require.NoError(t, err)

	results, err := host.sendAfter(ctx, inst, []engine.Value{engine.NewI64(50)})
	require.NoError(t, err)
	id := results[0].I64
	assert.NotZero(t, id)
	assert.Equal(t, 1, host.Timers.Len())

	cancelResults, err := host.cancelTimer(ctx, inst, []engine.Value{engine.NewI64(id)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), cancelResults[0].I32)
}

func TestDeniedCapabilityStaysLinked(t *testing.T) {
	host, _, _ := newTestHost(t)
	host.Deny("lunatic::process", "sleep")

	var sleepBinding *binding
	for _, b := range host.functions() {
		if b.namespace == "lunatic::process" && b.name == "sleep" {
			bb := b
			sleepBinding = &bb
		}
	}
	require.NotNil(t, sleepBinding)
	assert.True(t, host.denied("lunatic::process", "sleep"))
}
