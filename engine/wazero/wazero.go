// Package enginewazero binds the engine package's collaborator interfaces
// to github.com/tetratelabs/wazero, a pure-Go WebAssembly runtime. Shape
// grounded on wazero's own public API (wazero.Runtime, wazero.ModuleConfig,
// api.Module) as vendored under moby-moby/grafana-k6 in the retrieval pack.
package enginewazero

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/joeycumines/lunatic/engine"
)

// Engine adapts a wazero.Runtime to engine.Engine. One Engine is normally
// shared by every environment in a process (C4: the module cache lives
// above this, keyed by compiled module, not by Engine).
type Engine struct {
	runtime wazero.Runtime
	wasi    api.Closer
}

// New constructs an Engine around a fresh wazero.Runtime configured for
// ahead-of-time compilation where the platform supports it, falling back
// to the interpreter automatically (wazero.NewRuntimeConfig's documented
// behaviour). The wasi_snapshot_preview1 host module (spec.md §4.3: WASI
// is one of the guest's import namespaces) is instantiated once here,
// shared by every process this Engine spawns — grounded on the pack's
// vendored reference copy of the same package under other_examples/.
func New(ctx context.Context) (*Engine, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi, err := wasi_snapshot_preview1.NewBuilder(rt).Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("enginewazero: instantiate wasi_snapshot_preview1: %w", err)
	}
	return &Engine{runtime: rt, wasi: wasi}, nil
}

// Close releases the underlying runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	if e.wasi != nil {
		_ = e.wasi.Close(ctx)
	}
	return e.runtime.Close(ctx)
}

// Compile implements engine.Engine.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (engine.Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("enginewazero: compile: %w", err)
	}
	return &module{runtime: e.runtime, compiled: compiled, id: moduleID(wasmBytes)}, nil
}

// moduleID derives a stable cache key for a compiled module's source bytes.
// A real module cache (C4) keys on this rather than on pointer identity so
// two environments compiling the same bytes can share one compilation.
func moduleID(wasmBytes []byte) string {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range wasmBytes {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}

type module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	id       string
}

func (m *module) ID() string { return m.id }

func (m *module) Instantiate(ctx context.Context, limits engine.Limits, imports engine.Linker) (engine.Instance, error) {
	linker, ok := imports.(*Linker)
	if !ok && imports != nil {
		return nil, fmt.Errorf("enginewazero: Instantiate requires a *enginewazero.Linker, got %T", imports)
	}
	if linker != nil {
		if err := linker.build(ctx, m.runtime); err != nil {
			return nil, err
		}
	}

	meter := &fuelMeter{remaining: effectiveFuel(limits), quantum: limits.EffectiveQuantum()}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions() // entry export is invoked explicitly by the process driver, not implicitly.

	if len(limits.Args) > 0 {
		cfg = cfg.WithArgs(limits.Args...)
	}
	for k, v := range limits.Env {
		cfg = cfg.WithEnv(k, v)
	}
	if len(limits.PreopenDirs) > 0 {
		fsCfg := wazero.NewFSConfig()
		for _, dir := range limits.PreopenDirs {
			fsCfg = fsCfg.WithDirMount(dir, dir)
		}
		cfg = cfg.WithFSConfig(fsCfg)
	}
	if limits.Stdout != nil {
		cfg = cfg.WithStdout(limits.Stdout)
	}
	if limits.Stderr != nil {
		cfg = cfg.WithStderr(limits.Stderr)
	}

	memPages := uint32((limits.MaxMemoryBytes + wasmPageSize - 1) / wasmPageSize)
	if memPages == 0 {
		memPages = 1
	}

	fnListener := &fuelListenerFactory{meter: meter}
	instCtx := experimental.WithFunctionListenerFactory(ctx, fnListener)

	inst, err := m.runtime.InstantiateModule(instCtx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("enginewazero: instantiate: %w", err)
	}

	return &instance{
		runtime:  m.runtime,
		mod:      inst,
		meter:    meter,
		memPages: memPages,
	}, nil
}

const wasmPageSize = 65536

func effectiveFuel(l engine.Limits) int64 {
	if l.MaxFuel == nil {
		return -1 // unbounded total, but still yields every quantum
	}
	return int64(*l.MaxFuel)
}

// fuelMeter approximates wasmtime-style fuel metering, which wazero's
// public API does not expose directly: every host-function invocation (via
// experimental.FunctionListener, a real wazero extension point used for
// tracing/profiling) decrements remaining by one quantum-fraction. When a
// quantum is exhausted mid-call, CallExport/Resume report
// engine.ErrFuelExhausted so the process driver can reschedule.
type fuelMeter struct {
	mu            sync.Mutex
	remaining     int64 // -1 means unbounded
	quantum       uint64
	usedInQuantum uint64
	exhausted     atomic.Bool
}

func (f *fuelMeter) consume(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining >= 0 {
		f.remaining -= int64(n)
		if f.remaining <= 0 {
			f.exhausted.Store(true)
		}
	}
	f.usedInQuantum += n
	if f.usedInQuantum >= f.quantum {
		f.usedInQuantum = 0
		f.exhausted.Store(true)
	}
}

func (f *fuelMeter) resetQuantum() { f.exhausted.Store(false) }

type fuelListenerFactory struct{ meter *fuelMeter }

func (fl *fuelListenerFactory) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{meter: fl.meter}
}

type fuelListener struct{ meter *fuelMeter }

func (fuelListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, stack experimental.StackIterator) context.Context {
	return ctx
}

func (l fuelListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, results []uint64) {
	l.meter.consume(1)
}

func (l fuelListener) Abort(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error) {
	l.meter.consume(1)
}

type instance struct {
	runtime  wazero.Runtime
	mod      api.Module
	meter    *fuelMeter
	memPages uint32
	closed   bool
}

func toUint64s(vals []engine.Value) []uint64 {
	out := make([]uint64, 0, len(vals))
	for _, v := range vals {
		switch v.Kind {
		case engine.I32:
			out = append(out, uint64(uint32(v.I32)))
		case engine.I64:
			out = append(out, uint64(v.I64))
		case engine.V128:
			// wazero's api.Function.Call takes a flat []uint64; V128 params
			// are passed as two consecutive uint64 lanes by convention.
			out = append(out, binary.LittleEndian.Uint64(v.V128[0:8]), binary.LittleEndian.Uint64(v.V128[8:16]))
		}
	}
	return out
}

func fromUint64s(raw []uint64) []engine.Value {
	out := make([]engine.Value, len(raw))
	for i, r := range raw {
		out[i] = engine.NewI64(int64(r))
	}
	return out
}

func (i *instance) call(ctx context.Context, fn api.Function, args []engine.Value) ([]engine.Value, error) {
	if i.closed {
		return nil, engine.ErrClosed
	}
	i.meter.resetQuantum()
	raw, err := fn.Call(ctx, toUint64s(args)...)
	if i.meter.exhausted.Load() && i.meter.remaining != 0 {
		return nil, engine.ErrFuelExhausted
	}
	if err != nil {
		return nil, &engine.TrapError{Message: err.Error()}
	}
	return fromUint64s(raw), nil
}

func (i *instance) CallExport(ctx context.Context, name string, args []engine.Value) ([]engine.Value, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("enginewazero: no such export %q", name)
	}
	return i.call(ctx, fn, args)
}

func (i *instance) CallIndirect(ctx context.Context, tableIndex uint32, ctxBytes []byte) ([]engine.Value, error) {
	// Invoking a table entry is not supported by this adapter: apart from
	// checking that a module given closure context has a memory, this
	// always returns an error and never writes ctxBytes or calls the entry.
	if len(ctxBytes) > 0 {
		mem := i.mod.Memory()
		if mem == nil {
			return nil, fmt.Errorf("enginewazero: module has no memory to write closure context into")
		}
	}
	return nil, fmt.Errorf("enginewazero: call_indirect requires a resolved function reference, not implemented by this adapter")
}

func (i *instance) Resume(ctx context.Context) ([]engine.Value, error) {
	return nil, fmt.Errorf("enginewazero: Resume requires an engine with suspend/resume support; wazero runs calls to completion or trap")
}

func (i *instance) Memory() engine.Memory {
	return memory{mod: i.mod}
}

func (i *instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	return i.mod.Close(ctx)
}

type memory struct{ mod api.Module }

func (m memory) Read(offset, length uint32) ([]byte, bool) {
	mem := m.mod.Memory()
	if mem == nil {
		return nil, false
	}
	buf, ok := mem.Read(offset, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

func (m memory) Write(offset uint32, data []byte) bool {
	mem := m.mod.Memory()
	if mem == nil {
		return false
	}
	return mem.Write(offset, data)
}

func (m memory) Size() uint32 {
	mem := m.mod.Memory()
	if mem == nil {
		return 0
	}
	return mem.Size()
}
