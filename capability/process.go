package capability

import (
	"context"
	"time"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

// processFunctions implements lunatic::process (spec §4.3): spawn, link
// management, self-identification, and sleep.
func (h *Host) processFunctions() []binding {
	ns := "lunatic::process"
	return []binding{
		{ns, "spawn", true, h.spawnExport},
		{ns, "spawn_indirect", true, h.spawnIndirect},
		{ns, "link", false, h.link},
		{ns, "unlink", false, h.unlink},
		{ns, "die_when_link_dies", false, h.dieWhenLinkDies},
		{ns, "self_id", false, h.selfID},
		{ns, "id_to_bytes", false, h.idToBytes},
		{ns, "sleep", true, h.sleep},
	}
}

// spawnExport(module_id_ptr i32, module_id_len i32, fn_ptr i32, fn_len i32,
// link i32) — spawns a fresh process running the named export of the
// identified compiled module.
func (h *Host) spawnExport(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if !h.State.Config.CanSpawnProcesses {
		return nil, &engine.TrapError{Message: "can_spawn_processes is disabled for this process"}
	}
	if h.Spawn == nil {
		return nil, &engine.TrapError{Message: "no spawner configured"}
	}
	moduleID, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	fnName, err := readMemory(mod, u32At(args, 2), u32At(args, 3))
	if err != nil {
		return nil, err
	}
	link := i32At(args, 4) != 0

	short, err := h.Spawn.Spawn(ctx, SpawnRequest{
		ModuleID:   string(moduleID),
		EntryPoint: string(fnName),
		Config:     h.State.Config.Clone(),
		Link:       link,
	})
	if err != nil {
		return nil, &engine.TrapError{Message: "spawn: " + err.Error()}
	}
	if link {
		h.linkPeerByShort(short, message.NoTag)
	}
	return i64Result(int64(short)), nil
}

// spawnIndirect(table_index i32, ctx_ptr i32, ctx_len i32, link i32) —
// spawns a process whose entry point is a function-table index, carrying a
// serialized closure context blob (used for spawned closures, spec §4.3).
func (h *Host) spawnIndirect(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if !h.State.Config.CanSpawnProcesses {
		return nil, &engine.TrapError{Message: "can_spawn_processes is disabled for this process"}
	}
	if h.Spawn == nil {
		return nil, &engine.TrapError{Message: "no spawner configured"}
	}
	idx := u32At(args, 0)
	ctxBytes, err := readMemory(mod, u32At(args, 1), u32At(args, 2))
	if err != nil {
		return nil, err
	}
	link := i32At(args, 3) != 0

	short, err := h.Spawn.Spawn(ctx, SpawnRequest{
		TableIndex: &idx,
		CtxBytes:   ctxBytes,
		Config:     h.State.Config.Clone(),
		Link:       link,
	})
	if err != nil {
		return nil, &engine.TrapError{Message: "spawn_indirect: " + err.Error()}
	}
	if link {
		h.linkPeerByShort(short, message.NoTag)
	}
	return i64Result(int64(short)), nil
}

func (h *Host) linkPeerByShort(short procid.Short, tag message.Tag) {
	peer, ok := h.State.Environment.Lookup(short)
	if !ok {
		return
	}
	h.State.AddLink(tag, peer)
	_ = peer.Send(signal.Link(tag, h.State.Handle()))
}

// link(tag_set i32, tag i64, node u64, pid u64) — establishes a symmetric
// link to the target process.
func (h *Host) link(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	tag := message.NoTag
	if i32At(args, 0) != 0 {
		tag = message.NewTag(i64At(args, 1))
	}
	target := procid.ProcessID{Node: procid.NodeID(i64At(args, 2)), Short: procid.Short(i64At(args, 3))}
	peer, ok := h.State.Environment.Lookup(target.Short)
	if !ok {
		return i32Result(0), nil
	}
	h.State.AddLink(tag, peer)
	_ = peer.Send(signal.Link(tag, h.State.Handle()))
	return i32Result(1), nil
}

// unlink(node u64, pid u64) — removes a previously established link.
func (h *Host) unlink(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	target := procid.ProcessID{Node: procid.NodeID(i64At(args, 0)), Short: procid.Short(i64At(args, 1))}
	h.State.RemoveLink(target)
	if peer, ok := h.State.Environment.Lookup(target.Short); ok {
		_ = peer.Send(signal.Unlink(h.State.Handle()))
	}
	return nil, nil
}

// dieWhenLinkDies(flag i32) — toggles the trap policy applied to inbound
// LinkDied signals.
func (h *Host) dieWhenLinkDies(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	h.State.DieWhenLinkDies = i32At(args, 0) != 0
	return nil, nil
}

// selfID() — returns this process's short id (the node half is implicit:
// callers already know their own node).
func (h *Host) selfID(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	return i64Result(int64(h.State.Short)), nil
}

// idToBytes(node u64, pid u64, out_ptr i32) — serializes a ProcessID as 16
// bytes (8-byte node, 8-byte pid, little-endian) at out_ptr.
func (h *Host) idToBytes(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	buf := make([]byte, 16)
	putU64(buf[0:8], uint64(i64At(args, 0)))
	putU64(buf[8:16], uint64(i64At(args, 1)))
	if err := writeMemory(mod, u32At(args, 2), buf); err != nil {
		return nil, err
	}
	return nil, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// sleep(millis i64) — suspends the calling process for the given duration.
// A genuinely blocking host call, honoring ctx cancellation (e.g. a
// concurrent Kill reaching the driver should not wait out a long sleep).
func (h *Host) sleep(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	d := time.Duration(i64At(args, 0)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
