// Package capability binds the host capability surface (C5, spec §4.3) to
// an engine.Linker: one namespace per lunatic:: import family, each host
// function reading/writing guest memory through the calling engine.Instance
// and operating on exactly one process.State. Argument/result marshaling
// follows the ptr/len-pair, i32-status-code convention common to every
// wasm32 host ABI in the retrieval pack's vendored WASI reference copies
// (other_examples/*wasi_snapshot_preview1*), generalized here to Lunatic's
// own capability set rather than copied verbatim from WASI.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/timer"
)

// SpawnRequest describes a lunatic::process::spawn call, decoupled from any
// particular scheduling implementation so this package never needs to
// import package scheduler.
type SpawnRequest struct {
	ModuleID   string
	EntryPoint string
	TableIndex *uint32
	CtxBytes   []byte
	Config     process.Config
	Link       bool
	Tag        message.Tag
}

// Spawner creates a new process per req and returns its short id. Bound by
// the runtime wiring (package runtime) to the real worker pool; capability
// code only needs this narrow seam.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (procid.Short, error)
}

// RemoteSender forwards an already-serialized message to a process on
// another node. Bound by the runtime wiring to a *dist.Dispatcher;
// declared narrowly here so capability never imports package dist
// (dist is the lower-level transport, not a peer of capability).
type RemoteSender interface {
	SendMessage(ctx context.Context, node procid.NodeID, envID uint64, pid procid.Short, tag int64, payload []byte) error
}

// Host is the collection of collaborators one process's bound capability
// surface needs. A fresh Host is constructed per process instantiation
// (mirroring one State per process) and its namespaces are registered
// against that process's own engine.Linker before Instantiate.
type Host struct {
	State  *process.State
	Timers *timer.Service
	Spawn  Spawner
	Errors *ErrorTable
	Node   procid.NodeID
	Denied map[string]bool // namespace.name -> true forces a trap, for capability filtering

	// Remote delivers cross-node sends; nil means this host has no
	// distributed dispatcher wired in, and a cross-node send traps.
	Remote RemoteSender
	// EnvID identifies this host's owning environment on the wire, for
	// Remote.SendMessage's target-side routing. Zero value is a valid
	// single-environment-per-node default.
	EnvID uint64

	replyTagMu  sync.Mutex
	replyTagSeq int64
}

// NewHost constructs a Host bound to st. timers and spawner may be nil in
// tests that don't exercise those namespaces.
func NewHost(st *process.State, timers *timer.Service, spawner Spawner, node procid.NodeID) *Host {
	return &Host{
		State:  st,
		Timers: timers,
		Spawn:  spawner,
		Errors: NewErrorTable(),
		Node:   node,
		Denied: make(map[string]bool),
	}
}

// Deny marks namespace.name as administratively forbidden: it stays linked
// (per spec §4.3) but always traps when called.
func (h *Host) Deny(namespace, name string) {
	h.Denied[namespace+"::"+name] = true
}

func (h *Host) denied(namespace, name string) bool {
	return h.Denied[namespace+"::"+name]
}

// Bind registers every capability namespace's functions against linker,
// wrapping each with the Host's denial check.
func (h *Host) Bind(linker engine.Linker) error {
	for _, fn := range h.functions() {
		wrapped := fn.fn
		if h.denied(fn.namespace, fn.name) {
			wrapped = trapAlways(fn.namespace, fn.name)
		}
		if err := linker.DefineFunc(fn.namespace, fn.name, fn.suspending, wrapped); err != nil {
			return fmt.Errorf("capability: define %s::%s: %w", fn.namespace, fn.name, err)
		}
	}
	return nil
}

// functions collects every namespace's bindings; one method per namespace
// file keeps each capability family's definitions together.
func (h *Host) functions() []binding {
	var out []binding
	out = append(out, h.messageFunctions()...)
	out = append(out, h.processFunctions()...)
	out = append(out, h.timerFunctions()...)
	out = append(out, h.registryFunctions()...)
	out = append(out, h.errorFunctions()...)
	out = append(out, h.trapFunctions()...)
	out = append(out, h.versionFunctions()...)
	return out
}

type binding struct {
	namespace  string
	name       string
	suspending bool
	fn         engine.HostFunc
}

func trapAlways(namespace, name string) engine.HostFunc {
	return func(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
		return nil, &engine.TrapError{Message: fmt.Sprintf("%s::%s is administratively denied", namespace, name)}
	}
}

// --- shared arg/memory helpers -------------------------------------------------

func i32At(args []engine.Value, i int) int32 {
	if i >= len(args) {
		return 0
	}
	return args[i].I32
}

func u32At(args []engine.Value, i int) uint32 { return uint32(i32At(args, i)) }

func i64At(args []engine.Value, i int) int64 {
	if i >= len(args) {
		return 0
	}
	return args[i].I64
}

func readMemory(mod engine.Instance, ptr, length uint32) ([]byte, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, &engine.TrapError{Message: "no linear memory available"}
	}
	b, ok := mem.Read(ptr, length)
	if !ok {
		return nil, &engine.TrapError{Message: "out-of-bounds memory read"}
	}
	return b, nil
}

func writeMemory(mod engine.Instance, ptr uint32, data []byte) error {
	mem := mod.Memory()
	if mem == nil {
		return &engine.TrapError{Message: "no linear memory available"}
	}
	if !mem.Write(ptr, data) {
		return &engine.TrapError{Message: "out-of-bounds memory write"}
	}
	return nil
}

func i32Result(v int32) []engine.Value { return []engine.Value{engine.NewI32(v)} }
func i64Result(v int64) []engine.Value { return []engine.Value{engine.NewI64(v)} }

// deadlineFromMillis converts a millisecond timeout argument to an absolute
// deadline, following the mailbox/timer convention that 0 means "wait
// forever" (zero Time).
func deadlineFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// ErrorTable materializes opaque error ids into retrievable text, per
// lunatic::error's id-to-text / drop contract. No host function in this
// package records an id into it; ids exist only where Go code calls Put.
type ErrorTable struct {
	mu     sync.Mutex
	nextID int32
	texts  map[int32]string
}

func NewErrorTable() *ErrorTable {
	return &ErrorTable{texts: make(map[int32]string)}
}

// Put records text under a fresh id.
func (t *ErrorTable) Put(text string) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.texts[t.nextID] = text
	return t.nextID
}

// Text retrieves the text for id, if still present.
func (t *ErrorTable) Text(id int32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.texts[id]
	return s, ok
}

// Drop discards id's text.
func (t *ErrorTable) Drop(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.texts, id)
}

// mailboxTagsFrom decodes a guest-supplied tag list (ptr to a sequence of
// i64 tags, count n) into the []int64 form mailbox.ReceiveMatching expects.
// n == 0 means ANY.
func mailboxTagsFrom(mod engine.Instance, ptr uint32, n uint32) ([]int64, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := readMemory(mod, ptr, n*8)
	if err != nil {
		return nil, err
	}
	tags := make([]int64, n)
	for i := range tags {
		var v int64
		for b := 7; b >= 0; b-- {
			v = v<<8 | int64(raw[int(i)*8+b])
		}
		tags[i] = v
	}
	return tags, nil
}
