package capability

import (
	"context"
	"errors"

	"github.com/joeycumines/lunatic/engine"
)

// trapFunctions implements lunatic::trap: catch converts a guest trap
// raised by a re-entrant call into an ordinary i32 return value, letting
// guest code implement its own recoverable try/catch over fallible
// operations (spec §4.3).
func (h *Host) trapFunctions() []binding {
	return []binding{
		{"lunatic::trap", "catch", false, h.catch},
	}
}

// catch(fn_index i32, ctx_ptr i32, ctx_len i32) — invokes
// _lunatic_catch_trap(fn_index, ctx) via the table; a trap during that
// call becomes a return value of 0 instead of propagating, success
// returns 1. This relies on the underlying engine.Instance supporting a
// re-entrant CallIndirect from within a host call; the wazero adapter
// shipped with this module hands host functions a callerInstance whose
// CallIndirect always returns a non-trap error, so on that adapter catch
// itself fails the guest call with that error rather than silently
// behaving as if the call always succeeded.
func (h *Host) catch(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	ctxBytes, err := readMemory(mod, u32At(args, 1), u32At(args, 2))
	if err != nil {
		return nil, err
	}

	_, callErr := mod.CallIndirect(ctx, u32At(args, 0), ctxBytes)
	if callErr == nil {
		return i32Result(1), nil
	}

	var trap *engine.TrapError
	if errors.As(callErr, &trap) {
		return i32Result(0), nil
	}
	return nil, callErr
}
