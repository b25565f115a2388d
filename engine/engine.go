// Package engine declares the contract a WebAssembly engine must satisfy to
// host Lunatic processes. The engine itself — async instantiation, fuel
// metering with yield-on-exhaustion, memory/table limits — is explicitly a
// collaborator out of this module's scope (spec §1); this package only
// pins down the interfaces the process driver and host capability surface
// (C5, C7) program against. See the enginewazero subpackage for a concrete
// binding to github.com/tetratelabs/wazero.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ValueKind discriminates the wire/ABI value shapes a host/guest boundary
// call may pass, matching the distributed wire format's parameter shapes.
type ValueKind uint8

const (
	I32 ValueKind = iota
	I64
	V128
)

// Value is a single typed argument or result crossing the host/guest
// boundary.
type Value struct {
	Kind ValueKind
	I32  int32
	I64  int64
	V128 [16]byte
}

func NewI32(v int32) Value { return Value{Kind: I32, I32: v} }
func NewI64(v int64) Value { return Value{Kind: I64, I64: v} }
func NewV128(v [16]byte) Value {
	return Value{Kind: V128, V128: v}
}

func (v Value) String() string {
	switch v.Kind {
	case I32:
		return fmt.Sprintf("i32:%d", v.I32)
	case I64:
		return fmt.Sprintf("i64:%d", v.I64)
	case V128:
		return fmt.Sprintf("v128:%x", v.V128)
	default:
		return "invalid"
	}
}

// DefaultFuelQuantum is the instruction budget consumed between cooperative
// yields when max fuel is unbounded. A real engine must still honor this
// cadence even with no ceiling configured (spec §9 open question: fuel
// semantics when max_fuel is None must not silently disable yielding).
const DefaultFuelQuantum uint64 = 100_000

// Limits bounds one process's instantiation: memory, and optionally a fuel
// ceiling. A nil MaxFuel means unbounded total fuel, but the engine must
// still yield every Quantum instructions (Quantum defaults to
// DefaultFuelQuantum when zero).
type Limits struct {
	MaxMemoryBytes uint64
	MaxFuel        *uint64
	Quantum        uint64

	// Args and Env seed the guest's argv/envp, read by WASI's
	// args_get/environ_get (and by a non-WASI guest's own _start
	// convention, if it has one). PreopenDirs lists host directories the
	// engine must make available to WASI's path_open under their own
	// names (spec.md §6: a process's Config carries its preopens).
	Args        []string
	Env         map[string]string
	PreopenDirs []string

	// Stdout and Stderr, when non-nil, receive the guest's WASI
	// fd_write(1, ...)/fd_write(2, ...) output. Nil means discarded.
	Stdout io.Writer
	Stderr io.Writer
}

func (l Limits) quantum() uint64 {
	if l.Quantum == 0 {
		return DefaultFuelQuantum
	}
	return l.Quantum
}

// EffectiveQuantum returns the fuel quantum this Limits configuration
// implies, defaulting when unset.
func (l Limits) EffectiveQuantum() uint64 { return l.quantum() }

// Memory exposes the instance's linear memory to host functions.
type Memory interface {
	// Read returns a copy of length bytes at offset, or false if the range
	// is out of bounds.
	Read(offset, length uint32) ([]byte, bool)
	// Write copies data into memory at offset, returning false if the
	// range is out of bounds.
	Write(offset uint32, data []byte) bool
	// Size returns the current memory size in bytes.
	Size() uint32
}

// Sentinel errors returned by Instance methods.
var (
	// ErrFuelExhausted is returned by CallExport/CallIndirect when the
	// engine's fuel quantum was consumed before the call returned. The
	// driver is expected to reschedule the instance and call Resume.
	ErrFuelExhausted = errors.New("engine: fuel quantum exhausted")
	// ErrClosed is returned by any Instance method after Close.
	ErrClosed = errors.New("engine: instance closed")
)

// TrapError is returned when guest code traps (invalid memory access,
// unreachable, explicit abort, or a host-call precondition violation
// surfaced by the capability surface as a trap).
type TrapError struct {
	Message string
}

func (e *TrapError) Error() string { return "trap: " + e.Message }

// Instance is one process's live, instantiated module: its own linear
// memory, table, and fuel meter, bound to exactly one driver goroutine.
type Instance interface {
	// CallExport invokes the named export with args and runs to
	// completion, a trap, or fuel exhaustion (ErrFuelExhausted).
	CallExport(ctx context.Context, name string, args []Value) ([]Value, error)
	// CallIndirect invokes a function-table entry (used for spawned
	// closures), passing a serialized context blob as the sole argument
	// convention the host capability surface establishes.
	CallIndirect(ctx context.Context, tableIndex uint32, ctxBytes []byte) ([]Value, error)
	// Resume continues execution after ErrFuelExhausted, consuming another
	// quantum. Returns the same result/error shape as CallExport.
	Resume(ctx context.Context) ([]Value, error)
	// Memory exposes the instance's linear memory.
	Memory() Memory
	// Close releases engine-side resources. Not safe to call memory/table
	// accessors afterwards.
	Close(ctx context.Context) error
}

// HostFunc is a function bound into the guest's import namespace. mod is
// the calling instance, used to access its Memory for pointer/length
// argument marshaling.
type HostFunc func(ctx context.Context, mod Instance, args []Value) ([]Value, error)

// Linker accumulates host function bindings before a Module is
// instantiated. Each lunatic:: capability namespace (C5: lunatic::message,
// lunatic::process, lunatic::timer, lunatic::registry, lunatic::error,
// lunatic::trap, lunatic::version, …) calls
// DefineFunc once per guest-visible import.
type Linker interface {
	// DefineFunc registers fn as namespace.name. Suspending functions may
	// block the calling goroutine (mailbox receive, sleep, network I/O,
	// registry lock wait); the engine is responsible for not treating that
	// block as a fuel-exhaustion yield point. A capability that is
	// administratively forbidden is still linked, by convention bound to a
	// function that always returns a TrapError, per spec §4.3.
	DefineFunc(namespace, name string, suspending bool, fn HostFunc) error
}

// Module is a compiled, type-checked, shareable WebAssembly artifact (C4).
// A single Module may be instantiated by many processes concurrently.
type Module interface {
	// ID uniquely identifies this compiled artifact within a module cache.
	ID() string
	// Instantiate creates a fresh Instance bound to limits, with imports
	// resolved against the supplied Linker.
	Instantiate(ctx context.Context, limits Limits, imports Linker) (Instance, error)
}

// Engine compiles raw WebAssembly bytes into a reusable Module.
type Engine interface {
	Compile(ctx context.Context, wasmBytes []byte) (Module, error)
}
