// Package lunatictest collects fake engine.Module/Instance and
// process.Environment test doubles in one shared package, in the shape of
// the fakes that scheduler's and capability's own _test.go files carry
// independently. No test in this module imports it. Shape: a scriptable
// Instance consuming one Step per call, a Module that always instantiates
// to the same Instance, a flat-byte-slice Memory, and a map-backed
// Environment.
package lunatictest

import (
	"context"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

// Memory is a flat byte slice standing in for a guest's linear memory.
type Memory struct{ buf []byte }

// NewMemory allocates a Memory of the given size, zero-filled.
func NewMemory(size int) *Memory { return &Memory{buf: make([]byte, size)} }

func (m *Memory) Read(offset, length uint32) ([]byte, bool) {
	if uint64(offset)+uint64(length) > uint64(len(m.buf)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, m.buf[offset:offset+length])
	return out, true
}

func (m *Memory) Write(offset uint32, data []byte) bool {
	if uint64(offset)+uint64(len(data)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], data)
	return true
}

func (m *Memory) Size() uint32 { return uint32(len(m.buf)) }

// Step scripts the outcome of one call against an Instance.
type Step struct {
	Results []engine.Value
	Err     error
}

// Instance is a scriptable engine.Instance: each CallExport/CallIndirect/
// Resume consumes the next queued Step, in order. Mem may be nil, in
// which case Memory() reports no memory (matching a process that never
// touches guest linear memory).
type Instance struct {
	Steps  []Step
	Mem    *Memory
	Closed bool

	i int
}

func (f *Instance) next() ([]engine.Value, error) {
	if f.i >= len(f.Steps) {
		return nil, nil
	}
	s := f.Steps[f.i]
	f.i++
	return s.Results, s.Err
}

func (f *Instance) CallExport(context.Context, string, []engine.Value) ([]engine.Value, error) {
	return f.next()
}

func (f *Instance) CallIndirect(context.Context, uint32, []byte) ([]engine.Value, error) {
	return f.next()
}

func (f *Instance) Resume(context.Context) ([]engine.Value, error) { return f.next() }

func (f *Instance) Memory() engine.Memory {
	if f.Mem == nil {
		return nil
	}
	return f.Mem
}

func (f *Instance) Close(context.Context) error { f.Closed = true; return nil }

// StepsTaken reports how many scripted Steps have been consumed so far.
func (f *Instance) StepsTaken() int { return f.i }

// Module always instantiates to the same pre-built Instance.
type Module struct {
	Inst    engine.Instance
	IDValue string
}

// NewModule wraps inst behind a Module identified by id.
func NewModule(id string, inst engine.Instance) *Module {
	return &Module{Inst: inst, IDValue: id}
}

func (m *Module) ID() string { return m.IDValue }

func (m *Module) Instantiate(context.Context, engine.Limits, engine.Linker) (engine.Instance, error) {
	return m.Inst, nil
}

// Environment is a map-backed fake of both process.Environment and the
// narrower scheduler/capability collaborator interfaces: live handles by
// short id, with Removed recording every id passed to Remove for
// assertions.
type Environment struct {
	handles map[procid.Short]signal.Handle
	Removed []procid.Short
}

// NewEnvironment returns an empty Environment.
func NewEnvironment() *Environment {
	return &Environment{handles: make(map[procid.Short]signal.Handle)}
}

// Register makes h reachable by its own short id, as if it had just been
// spawned into this environment.
func (e *Environment) Register(h signal.Handle) { e.handles[h.ID().Short] = h }

func (e *Environment) Send(id procid.Short, s signal.Signal) error {
	h, ok := e.handles[id]
	if !ok {
		return signal.ErrGone
	}
	return h.Send(s)
}

func (e *Environment) Remove(id procid.Short) {
	delete(e.handles, id)
	e.Removed = append(e.Removed, id)
}

func (e *Environment) SpawnNextID() procid.Short { return procid.Short(len(e.handles) + 1) }

func (e *Environment) Lookup(id procid.Short) (signal.Handle, bool) {
	h, ok := e.handles[id]
	return h, ok
}
