package scheduler

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/lunatic/capture"
	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/registry"
	"github.com/joeycumines/lunatic/signal"
)

// fakeModule/fakeInstance are the minimal test doubles this package needs;
// a richer, shared version lives in package lunatictest.

type scriptStep struct {
	err     error
	results []engine.Value
}

type fakeInstance struct {
	steps  []scriptStep
	i      int
	closed bool
}

func (f *fakeInstance) next() ([]engine.Value, error) {
	if f.i >= len(f.steps) {
		return nil, nil
	}
	s := f.steps[f.i]
	f.i++
	return s.results, s.err
}

func (f *fakeInstance) CallExport(ctx context.Context, name string, args []engine.Value) ([]engine.Value, error) {
	return f.next()
}
func (f *fakeInstance) CallIndirect(ctx context.Context, idx uint32, ctxBytes []byte) ([]engine.Value, error) {
	return f.next()
}
func (f *fakeInstance) Resume(ctx context.Context) ([]engine.Value, error) { return f.next() }
func (f *fakeInstance) Memory() engine.Memory                              { return nil }
func (f *fakeInstance) Close(ctx context.Context) error                    { f.closed = true; return nil }

type fakeModule struct{ inst engine.Instance }

func (m *fakeModule) ID() string { return "fake" }
func (m *fakeModule) Instantiate(ctx context.Context, limits engine.Limits, imports engine.Linker) (engine.Instance, error) {
	return m.inst, nil
}

type fakeEnvironment struct {
	removed []procid.Short
}

func (e *fakeEnvironment) Send(procid.Short, signal.Signal) error    { return nil }
func (e *fakeEnvironment) Remove(id procid.Short)                    { e.removed = append(e.removed, id) }
func (e *fakeEnvironment) SpawnNextID() procid.Short                 { return 1 }
func (e *fakeEnvironment) Lookup(procid.Short) (signal.Handle, bool) { return signal.Handle{}, false }

func newTestState(t *testing.T, inst engine.Instance) *process.State {
	t.Helper()
	env := &fakeEnvironment{}
	reg := registry.New()
	return process.New(procid.ProcessID{Node: 1, Short: 1}, 1, &fakeModule{inst: inst}, process.DefaultConfig(), reg, env)
}

func TestDriverNormalExit(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{results: []engine.Value{engine.NewI32(0)}}}}
	st := newTestState(t, inst)
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}

	reason := d.Run(context.Background())
	assert.True(t, reason.IsNormal())
	assert.True(t, st.Initialized)
	assert.True(t, inst.closed)
}

func TestDriverTrap(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{err: &engine.TrapError{Message: "oops"}}}}
	st := newTestState(t, inst)
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}

	reason := d.Run(context.Background())
	assert.Equal(t, message.Failure, reason.Kind)
}

func TestDriverFuelExhaustionResumes(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{
		{err: engine.ErrFuelExhausted},
		{err: engine.ErrFuelExhausted},
		{results: nil},
	}}
	st := newTestState(t, inst)
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}

	reason := d.Run(context.Background())
	assert.True(t, reason.IsNormal())
	assert.Equal(t, 3, inst.i)
}

func TestDriverKillBeforeStart(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{results: nil}}}
	st := newTestState(t, inst)
	st.Signals.Push(signal.Kill)
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}

	reason := d.Run(context.Background())
	assert.Equal(t, message.Killed, reason.Kind)
	assert.False(t, st.Initialized)
}

func TestDriverKillDuringFuelYield(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{
		{err: engine.ErrFuelExhausted},
		{results: nil},
	}}
	st := newTestState(t, inst)
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}

	// Simulate Kill arriving concurrently with the first yield by pushing
	// it right after Run would have drained pre-start signals: easiest
	// deterministic way to express that here is to push it before Run,
	// since applyPreStartSignals would short-circuit; instead we rely on
	// the driver checking signals between steps by pre-seeding after
	// instantiate via a tiny delay.
	go func() {
		time.Sleep(5 * time.Millisecond)
		st.Signals.Push(signal.Kill)
	}()

	reason := d.Run(context.Background())
	// Either outcome is spec-valid depending on scheduling, but it must be
	// one of the two terminal reasons, never a panic/hang.
	assert.True(t, reason.Kind == message.Killed || reason.IsNormal())
}

func TestDriverFlushesCapturedOutputOnFailure(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{err: &engine.TrapError{Message: "boom"}}}}
	st := newTestState(t, inst)
	cap := capture.New(false, nil)
	cap.Write([]byte("guest wrote this before trapping"))
	var failureLog bytes.Buffer
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}, Stdout: cap, FailureLog: &failureLog}

	reason := d.Run(context.Background())
	assert.Equal(t, message.Failure, reason.Kind)
	assert.Contains(t, failureLog.String(), "guest wrote this before trapping")
}

func TestDriverDoesNotFlushCapturedOutputOnNormalExit(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{results: nil}}}
	st := newTestState(t, inst)
	cap := capture.New(false, nil)
	cap.Write([]byte("should not be flushed"))
	var failureLog bytes.Buffer
	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}, Stdout: cap, FailureLog: &failureLog}

	reason := d.Run(context.Background())
	assert.True(t, reason.IsNormal())
	assert.Empty(t, failureLog.String())
}

func TestLinkCascadeDefaultTrapsOnLinkDied(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{results: nil}}}
	st := newTestState(t, inst)
	peerQueue := signal.NewQueue()
	peer := signal.NewHandle(procid.ProcessID{Node: 1, Short: 2}, peerQueue)
	st.AddLink(message.NoTag, peer)
	st.Signals.Push(signal.LinkDied(peer.ID(), message.NoTag, message.FailureExit("boom")))

	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}
	reason := d.Run(context.Background())
	require.Equal(t, message.Failure, reason.Kind)
	assert.Contains(t, reason.Text, "boom")
	assert.Contains(t, reason.Text, peer.ID().String())
}

func TestLinkCascadeDisabledDeliversToMailbox(t *testing.T) {
	inst := &fakeInstance{steps: []scriptStep{{results: nil}}}
	st := newTestState(t, inst)
	peerQueue := signal.NewQueue()
	peer := signal.NewHandle(procid.ProcessID{Node: 1, Short: 2}, peerQueue)
	st.AddLink(message.NoTag, peer)
	st.DieWhenLinkDies = false
	st.Signals.Push(signal.LinkDied(peer.ID(), message.NoTag, message.FailureExit("boom")))

	d := &Driver{State: st, Entry: EntryPoint{ExportName: "_start"}}
	reason := d.Run(context.Background())
	assert.True(t, reason.IsNormal())
	require.Equal(t, 1, st.Mailbox.Len())
}
