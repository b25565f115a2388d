package capability

import (
	"context"
	"time"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
	"github.com/joeycumines/lunatic/timer"
)

func durationFromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func timerIDFrom(args []engine.Value) timer.ID { return timer.ID(uint64(i64At(args, 0))) }

// timerFunctions implements lunatic::timer (spec §4.3, §4.6).
func (h *Host) timerFunctions() []binding {
	ns := "lunatic::timer"
	return []binding{
		{ns, "send_after", false, h.sendAfter},
		{ns, "cancel", false, h.cancelTimer},
	}
}

// sendAfter(millis i64) — consumes the open scratch message and schedules
// it for delivery to this process's own mailbox after millis, returning a
// timer id.
func (h *Host) sendAfter(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.Timers == nil {
		return nil, &engine.TrapError{Message: "no timer service configured"}
	}
	if h.State.ScratchMessage == nil {
		return nil, &engine.TrapError{Message: "send_after with no open scratch message"}
	}
	scratch := h.State.ScratchMessage
	h.State.ScratchMessage = nil

	target := signal.NewHandle(procid.ProcessID{Node: h.Node, Short: h.State.Short}, h.State.Signals)
	d := durationFromMillis(i64At(args, 0))
	id := h.Timers.SendAfter(target, scratch.Tag, scratch.Payload, d)
	return i64Result(int64(id)), nil
}

// cancelTimer(timer_id u64) — returns 1 if cancelled before firing, 0
// otherwise (already fired, or unknown id).
func (h *Host) cancelTimer(ctx context.Context, mod engine.Instance, args []engine.Value) ([]engine.Value, error) {
	if h.Timers == nil {
		return i32Result(0), nil
	}
	if h.Timers.Cancel(timerIDFrom(args)) {
		return i32Result(1), nil
	}
	return i32Result(0), nil
}
