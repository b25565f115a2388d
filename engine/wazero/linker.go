package enginewazero

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/joeycumines/lunatic/engine"
)

// Linker accumulates host function bindings (one per capability namespace
// import) and materializes them as wazero host modules at Instantiate time.
// Namespaces are built in the order DefineFunc first saw them, since wazero
// host modules must be instantiated before the guest module that imports
// them.
type Linker struct {
	order []string
	funcs map[string][]binding
}

type binding struct {
	name       string
	suspending bool
	fn         engine.HostFunc
}

// NewLinker constructs an empty Linker.
func NewLinker() *Linker {
	return &Linker{funcs: make(map[string][]binding)}
}

// DefineFunc implements engine.Linker.
func (l *Linker) DefineFunc(namespace, name string, suspending bool, fn engine.HostFunc) error {
	if fn == nil {
		return fmt.Errorf("enginewazero: nil HostFunc for %s.%s", namespace, name)
	}
	if _, ok := l.funcs[namespace]; !ok {
		l.order = append(l.order, namespace)
	}
	l.funcs[namespace] = append(l.funcs[namespace], binding{name: name, suspending: suspending, fn: fn})
	return nil
}

// build instantiates one wazero host module per namespace, binding every
// registered function as a variadic-i64 Go function: the capability layer
// (package capability) is responsible for the actual argument shapes, this
// adapter only needs to round-trip engine.Value through wazero's flat
// []uint64 calling convention.
func (l *Linker) build(ctx context.Context, rt wazero.Runtime) error {
	for _, ns := range l.order {
		builder := rt.NewHostModuleBuilder(ns)
		for _, b := range l.funcs[ns] {
			b := b
			builder = builder.NewFunctionBuilder().
				WithFunc(hostTrampoline(ns, b.name, b.fn)).
				Export(b.name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return fmt.Errorf("enginewazero: link namespace %q: %w", ns, err)
		}
	}
	return nil
}

// hostTrampoline wraps a capability-layer engine.HostFunc as a
// wazero-callable Go function taking/returning []uint64, the ABI wazero's
// WithFunc expects for variadic integer signatures.
func hostTrampoline(namespace, name string, fn engine.HostFunc) func(ctx context.Context, mod api.Module, stack []uint64) {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		args := make([]engine.Value, len(stack))
		for i, v := range stack {
			args[i] = engine.NewI64(int64(v))
		}
		results, err := fn(ctx, &callerInstance{mod: mod}, args)
		if err != nil {
			panic(fmt.Errorf("enginewazero: host call %s.%s: %w", namespace, name, err))
		}
		for i, r := range results {
			if i >= len(stack) {
				break
			}
			switch r.Kind {
			case engine.I32:
				stack[i] = uint64(uint32(r.I32))
			default:
				stack[i] = uint64(r.I64)
			}
		}
	}
}

// callerInstance gives a HostFunc access to the calling module's memory
// without exposing the full engine.Instance surface (no CallExport/Resume
// from inside a host call).
type callerInstance struct{ mod api.Module }

func (c *callerInstance) CallExport(context.Context, string, []engine.Value) ([]engine.Value, error) {
	return nil, fmt.Errorf("enginewazero: host functions cannot recursively invoke exports")
}

func (c *callerInstance) CallIndirect(context.Context, uint32, []byte) ([]engine.Value, error) {
	return nil, fmt.Errorf("enginewazero: host functions cannot invoke call_indirect")
}

func (c *callerInstance) Resume(context.Context) ([]engine.Value, error) {
	return nil, fmt.Errorf("enginewazero: host functions cannot resume")
}

func (c *callerInstance) Memory() engine.Memory { return memory{mod: c.mod} }

func (c *callerInstance) Close(context.Context) error {
	return fmt.Errorf("enginewazero: host functions cannot close their own instance")
}
