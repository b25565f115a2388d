package capability

import (
	"context"

	"github.com/joeycumines/lunatic/engine"
)

// errorFunctions implements lunatic::error: materializing an opaque error
// id into guest-readable text, and dropping it once the guest is done.
func (h *Host) errorFunctions() []binding {
	ns := "lunatic::error"
	return []binding{
		{ns, "string_size", false, h.errorStringSize},
		{ns, "to_string", false, h.errorToString},
		{ns, "drop", false, h.errorDrop},
	}
}

// string_size(id i32) — returns the byte length of id's text, or -1 if id
// is unknown (already dropped, or never issued).
func (h *Host) errorStringSize(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	text, ok := h.Errors.Text(i32At(args, 0))
	if !ok {
		return i32Result(-1), nil
	}
	return i32Result(int32(len(text))), nil
}

// to_string(id i32, out_ptr i32) — writes id's text at out_ptr; the guest
// is expected to have sized its buffer via string_size first.
func (h *Host) errorToString(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	text, ok := h.Errors.Text(i32At(args, 0))
	if !ok {
		return nil, &engine.TrapError{Message: "to_string of unknown error id"}
	}
	if err := writeMemory(mod, u32At(args, 1), []byte(text)); err != nil {
		return nil, err
	}
	return nil, nil
}

// drop(id i32) — discards the id's text.
func (h *Host) errorDrop(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	h.Errors.Drop(i32At(args, 0))
	return nil, nil
}
