package capability

import (
	"context"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/mailbox"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/resource"
	"github.com/joeycumines/lunatic/signal"
)

// messageFunctions implements lunatic::message (spec §4.3): building an
// outbound scratch message, sending it, and selectively receiving inbound
// ones.
func (h *Host) messageFunctions() []binding {
	ns := "lunatic::message"
	return []binding{
		{ns, "create_data", false, h.createData},
		{ns, "write_data", false, h.writeData},
		{ns, "push_resource", false, h.pushResource},
		{ns, "send", true, h.send},
		{ns, "send_receive_skip_search", true, h.sendReceiveSkipSearch},
		{ns, "receive", true, h.receive},
		{ns, "read_data", false, h.readData},
		{ns, "take_resource", false, h.takeResource},
	}
}

// createData(tag_set i32, tag i64, buf_capacity i32) — allocates the
// scratch message. tag_set == 0 means NoTag.
func (h *Host) createData(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	tag := message.NoTag
	if i32At(args, 0) != 0 {
		tag = message.NewTag(i64At(args, 1))
	}
	cap := int(u32At(args, 2))
	h.State.ScratchMessage = &process.ScratchMessage{
		Tag:     tag,
		Payload: make([]byte, 0, cap),
	}
	return nil, nil
}

// writeData(ptr i32, len i32) — appends len bytes at ptr to the scratch
// message's payload. Traps if no scratch message is open.
func (h *Host) writeData(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.ScratchMessage == nil {
		return nil, &engine.TrapError{Message: "write_data with no open scratch message"}
	}
	data, err := readMemory(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	h.State.ScratchMessage.Payload = append(h.State.ScratchMessage.Payload, data...)
	return nil, nil
}

// pushResource(kind i32, key i64) — moves a resource out of this process's
// table and attaches it to the open scratch message. The key is meaningful
// only within this process's own table; once moved, the resource travels
// as a bare (kind, value) Attachment and is re-keyed wherever it is next
// inserted (spec invariant 2).
func (h *Host) pushResource(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.ScratchMessage == nil {
		return nil, &engine.TrapError{Message: "push_resource with no open scratch message"}
	}
	kind := resource.Kind(i32At(args, 0))
	rh := resource.Handle{Kind: kind, Key: uint64(i64At(args, 1))}
	v, err := h.State.Resources.Take(rh)
	if err != nil {
		return nil, &engine.TrapError{Message: err.Error()}
	}
	h.State.ScratchMessage.Resources = append(h.State.ScratchMessage.Resources, resource.Attachment{Kind: kind, Value: v})
	return nil, nil
}

// send(node u64, pid u64) — enqueues the scratch message at the target's
// mailbox and clears scratch. Remote targets (node != h.Node) are forwarded
// through h.Remote (see package dist), trapping when no Remote is wired;
// locally this delivers through Environment.Send.
func (h *Host) send(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.ScratchMessage == nil {
		return nil, &engine.TrapError{Message: "send with no open scratch message"}
	}
	target := procid.ProcessID{Node: procid.NodeID(i64At(args, 0)), Short: procid.Short(i64At(args, 1))}
	scratch := h.State.ScratchMessage
	h.State.ScratchMessage = nil

	msg := message.NewData(scratch.Tag, scratch.Payload, scratch.Resources)
	if target.Node != h.Node {
		if h.Remote == nil {
			return nil, &engine.TrapError{Message: "cross-node send requires the distributed dispatcher"}
		}
		if err := h.Remote.SendMessage(ctx, target.Node, h.EnvID, target.Short, scratch.Tag.Value, scratch.Payload); err != nil {
			return i32Result(0), nil
		}
		return i32Result(1), nil
	}
	if err := h.State.Environment.Send(target.Short, signal.Message(msg)); err != nil {
		return i32Result(0), nil
	}
	return i32Result(1), nil
}

// sendReceiveSkipSearch(node u64, pid u64, timeout_ms i64) — sends the
// scratch message under a freshly synthesized reply tag, then selectively
// receives a reply carrying that same tag.
func (h *Host) sendReceiveSkipSearch(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.ScratchMessage == nil {
		return nil, &engine.TrapError{Message: "send_receive_skip_search with no open scratch message"}
	}
	replyTag := message.NewTag(h.nextReplyTag())
	h.State.ScratchMessage.Tag = replyTag

	if _, err := h.send(ctx, mod, args[:2]); err != nil {
		return nil, err
	}

	deadline := deadlineFromMillis(i64At(args, 2))
	msg, err := h.State.Mailbox.ReceiveMatching(ctx, []int64{replyTag.Value}, deadline)
	if err != nil {
		return i32Result(0), nil
	}
	h.State.PendingReceive = &msg
	return i32Result(1), nil
}

// nextReplyTag's counter (replyTagSeq) is process-local and does not need to survive restarts,
// so a simple incrementing field on Host (not persisted in process.State)
// is sufficient; it is only ever read by this process's own driver
// goroutine.
func (h *Host) nextReplyTag() int64 {
	h.replyTagMu.Lock()
	defer h.replyTagMu.Unlock()
	h.replyTagSeq++
	return h.replyTagSeq
}

// receive(tags_ptr i32, tags_len i32, timeout_ms i64) — selective receive;
// tags_len == 0 means ANY. On success the message becomes PendingReceive.
func (h *Host) receive(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	tags, err := mailboxTagsFrom(mod, u32At(args, 0), u32At(args, 1))
	if err != nil {
		return nil, err
	}
	deadline := deadlineFromMillis(i64At(args, 2))
	msg, err := h.State.Mailbox.ReceiveMatching(ctx, tags, deadline)
	if err != nil {
		if err == mailbox.ErrTimeout {
			return i32Result(0), nil
		}
		return nil, err
	}
	h.State.PendingReceive = &msg
	return i32Result(1), nil
}

// readData(ptr i32, len i32) — copies bytes from PendingReceive's payload
// starting at offset 0 into guest memory at ptr, up to len bytes. Traps if
// nothing has been received.
func (h *Host) readData(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.PendingReceive == nil {
		return nil, &engine.TrapError{Message: "read_data with no pending received message"}
	}
	n := u32At(args, 1)
	payload := h.State.PendingReceive.Payload
	if int(n) > len(payload) {
		n = uint32(len(payload))
	}
	if err := writeMemory(mod, u32At(args, 0), payload[:n]); err != nil {
		return nil, err
	}
	return i32Result(int32(n)), nil
}

// takeResource(index i32) — inserts the index-th resource attached to
// PendingReceive into this process's own resource table, returning its new
// key. Traps on an out-of-range or already-taken index.
func (h *Host) takeResource(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.State.PendingReceive == nil {
		return nil, &engine.TrapError{Message: "take_resource with no pending received message"}
	}
	idx := int(i32At(args, 0))
	if idx < 0 || idx >= len(h.State.PendingReceive.Resources) {
		return nil, &engine.TrapError{Message: "take_resource index out of range"}
	}
	att := h.State.PendingReceive.Resources[idx]
	if att.Value == nil {
		return nil, &engine.TrapError{Message: "take_resource index already taken"}
	}
	h.State.PendingReceive.Resources[idx].Value = nil
	newHandle := h.State.Resources.Insert(att.Kind, att.Value)
	return i64Result(int64(newHandle.Key)), nil
}
