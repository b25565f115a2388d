package capability

import (
	"context"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/procid"
)

// registryFunctions implements lunatic::registry (spec §4.3, §4.5).
func (h *Host) registryFunctions() []binding {
	ns := "lunatic::registry"
	return []binding{
		{ns, "put", false, h.registryPut},
		{ns, "get", false, h.registryGet},
		{ns, "get_or_put_later", true, h.registryGetOrPutLater},
		{ns, "remove", false, h.registryRemove},
	}
}

// registryPut(name_ptr i32, name_len i32, node u64, pid u64) — unconditional
// insert; also releases this process's outstanding reservation on name, if
// any (spec §4.5's obligated follow-up call).
func (h *Host) registryPut(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	name, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	node := procid.NodeID(i64At(args, 2))
	pid := procid.Short(i64At(args, 3))
	h.State.Registry.Put(string(name), node, pid)
	if h.State.Reservation.Held && h.State.Reservation.Name == string(name) {
		h.State.Reservation.Held = false
		h.State.Reservation.Name = ""
	}
	return nil, nil
}

// registryGet(name_ptr i32, name_len i32, out_ptr i32) — snapshot read;
// writes (node,pid) as two consecutive little-endian u64s at out_ptr if
// found.
func (h *Host) registryGet(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if err := h.checkReservation(ctx, mod, args, 0, 1); err != nil {
		return nil, err
	}
	name, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	node, pid, found := h.State.Registry.Get(string(name))
	if !found {
		return i32Result(0), nil
	}
	buf := make([]byte, 16)
	putU64(buf[0:8], uint64(node))
	putU64(buf[8:16], uint64(pid))
	if err := writeMemory(mod, u32At(args, 2), buf); err != nil {
		return nil, err
	}
	return i32Result(1), nil
}

// registryGetOrPutLater(name_ptr i32, name_len i32, out_ptr i32) — the
// atomic get-or-reserve primitive: on hit, behaves like get; on
// miss, retains a per-name reservation recorded on this process's state
// until the guest calls put or traps/exits (§4.5, registry.CheckReservation
// enforces the "no other op while reserved" rule on subsequent calls).
func (h *Host) registryGetOrPutLater(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if err := h.checkReservation(ctx, mod, args, 0, 1); err != nil {
		return nil, err
	}
	name, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	node, pid, found, err := h.State.Registry.GetOrPutLater(ctx, string(name), h.State.Short)
	if err != nil {
		return nil, err
	}
	if found {
		buf := make([]byte, 16)
		putU64(buf[0:8], uint64(node))
		putU64(buf[8:16], uint64(pid))
		if err := writeMemory(mod, u32At(args, 2), buf); err != nil {
			return nil, err
		}
		return i32Result(1), nil
	}
	h.State.Reservation.Held = true
	h.State.Reservation.Name = string(name)
	return i32Result(0), nil
}

// registryRemove(name_ptr i32, name_len i32).
func (h *Host) registryRemove(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if err := h.checkReservation(ctx, mod, args, 0, 1); err != nil {
		return nil, err
	}
	name, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	h.State.Registry.Remove(string(name))
	return nil, nil
}

// checkReservation traps if this process currently holds any outstanding
// get_or_put_later reservation, regardless of which name the operation at
// (ptr, len) targets — every registry operation other than put is
// forbidden while a reservation is held (spec §4.5), not only an
// operation against the reserved name itself.
func (h *Host) checkReservation(ctx context.Context, mod engine.Instance, args []engine.Value, ptrIdx, lenIdx int) error {
	name, err := readMemory(mod, u32At(args, ptrIdx), u32At(args, lenIdx))
	if err != nil {
		return err
	}
	return h.State.Registry.CheckReservation(string(name), h.State.Short)
}
