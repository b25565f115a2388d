// Package scheduler implements the process driver (C7) and the worker
// pool that runs many drivers cooperatively on a small number of
// goroutines. The driver lifecycle follows spec §4.2 step for step; the
// worker pool's shape — a bounded set of goroutines pulling ready tasks
// off a shared queue, coordinated for clean shutdown via
// golang.org/x/sync/errgroup — generalizes eventloop.Loop's single-loop
// run/tick/safeExecute idiom (joeycumines-go-utilpkg/eventloop/loop.go)
// from "one JS event loop per goroutine" to "N workers each driving
// whichever process is next ready", since Lunatic has no single global
// loop: every process is its own cooperative task.
package scheduler

import (
	"context"
	"io"
	"os"

	"github.com/joeycumines/lunatic/capture"
	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/signal"
)

// EntryPoint describes how to start a process's guest code: either a named
// export, or a function-table index reached via call_indirect with a
// serialized closure context (the spawn-by-function-pointer path).
type EntryPoint struct {
	ExportName string
	TableIndex *uint32
	CtxBytes   []byte
	Args       []engine.Value
}

// Driver owns exactly one process's execution from instantiation to exit.
// It is never touched by more than one goroutine at a time (the owning
// scheduler worker), matching spec §5's "ProcessState is owned exclusively
// by its driver task" rule.
type Driver struct {
	State  *process.State
	Entry  EntryPoint
	Limits engine.Limits
	Linker engine.Linker

	// Metrics is an optional reporting sink; nil means don't report.
	Metrics Metrics

	// Stdout is this process's optional captured-output handle (package
	// capture); nil means output isn't captured for this process. When
	// set, a Failure exit flushes its content to FailureLog (spec.md §7:
	// "captured output is flushed per process on failure").
	Stdout *capture.Capture
	// FailureLog receives Stdout's flushed content on failure; nil
	// defaults to os.Stderr.
	FailureLog io.Writer

	// Done, if non-nil, receives this driver's terminal ExitReason once
	// Run returns. Since Pool.Submit hands a Driver to whichever worker
	// is next free, this is the seam a caller that needs the outcome of
	// one particular spawn (the CLI's `run` subcommand mapping a guest's
	// exit to a process exit code) uses to wait for it; must be buffered
	// (capacity >= 1) so Run never blocks delivering it.
	Done chan<- message.ExitReason

	instance engine.Instance
}

// Metrics is the subset of metrics.Registry the driver reports to,
// declared locally to avoid a compile-time dependency on package metrics.
type Metrics interface {
	FuelExhausted()
	MailboxDepthObserved(depth int)
	SignalApplied(kind string)
}

// exitOutcome captures how guest execution concluded, prior to cleanup.
type exitOutcome struct {
	reason message.ExitReason
}

// Run executes the complete driver lifecycle (spec §4.2 steps 1–7) and
// returns once the process has fully exited and been cleaned up. It
// re-enters the engine's Resume path whenever a call returns
// engine.ErrFuelExhausted, checking for a Kill signal at each such
// suspension point, so CPU-bound guest code is still preemptible at
// quantum boundaries even if it never calls a suspending host function.
func (d *Driver) Run(ctx context.Context) message.ExitReason {
	reason := d.run(ctx)
	if d.Done != nil {
		d.Done <- reason
	}
	return reason
}

func (d *Driver) run(ctx context.Context) message.ExitReason {
	if killed := d.applyPreStartSignals(); killed {
		d.cleanup(message.KilledExit)
		return message.KilledExit
	}

	limits := d.Limits
	if d.Stdout != nil {
		limits.Stdout = d.Stdout
		limits.Stderr = d.Stdout
	}

	inst, err := d.State.Module.Instantiate(ctx, limits, d.Linker)
	if err != nil {
		reason := message.FailureExit("instantiate: %v", err)
		d.cleanup(reason)
		return reason
	}
	d.instance = inst
	d.State.Initialized = true

	outcome := d.execute(ctx)
	_ = d.instance.Close(ctx)
	d.cleanup(outcome.reason)
	return outcome.reason
}

// applyPreStartSignals drains and applies every signal enqueued before the
// driver began (e.g. an initial Link from the spawning parent). Returns
// true if a Kill was observed, in which case execution never begins.
func (d *Driver) applyPreStartSignals() bool {
	for _, s := range d.State.Signals.DrainAll() {
		if s.Kind == signal.KindKill {
			return true
		}
		applyControlSignal(d.State, s, d.Metrics)
	}
	return false
}

// execute drives the guest's entry point to completion, a trap, or a Kill,
// polling for newly arrived signals between suspension points.
func (d *Driver) execute(ctx context.Context) exitOutcome {
	results, err := d.callEntry(ctx)
	for {
		if killedNow(d.State, d.Metrics) {
			_ = d.instance.Close(ctx)
			if d.State.CascadeReason != nil {
				return exitOutcome{reason: *d.State.CascadeReason}
			}
			return exitOutcome{reason: message.KilledExit}
		}

		switch {
		case err == nil:
			_ = results
			return exitOutcome{reason: message.NormalExit}
		case isFuelExhausted(err):
			if d.Metrics != nil {
				d.Metrics.FuelExhausted()
			}
			d.drainSignalsBetweenSteps()
			results, err = d.instance.Resume(ctx)
			continue
		default:
			return exitOutcome{reason: message.FailureExit("%v", err)}
		}
	}
}

func (d *Driver) callEntry(ctx context.Context) ([]engine.Value, error) {
	if d.Entry.TableIndex != nil {
		return d.instance.CallIndirect(ctx, *d.Entry.TableIndex, d.Entry.CtxBytes)
	}
	return d.instance.CallExport(ctx, d.Entry.ExportName, d.Entry.Args)
}

// drainSignalsBetweenSteps applies every non-Kill control signal that
// arrived since the last suspension point; Kill itself is left queued so
// killedNow can observe it deterministically at the top of the next loop
// iteration (tie-break: Kill wins, spec §4.4).
func (d *Driver) drainSignalsBetweenSteps() {
	for _, s := range d.State.Signals.DrainAll() {
		if s.Kind == signal.KindKill {
			d.State.Signals.Push(s) // put it back; killedNow will consume it
			return
		}
		applyControlSignal(d.State, s, d.Metrics)
	}
}

func killedNow(s *process.State, m Metrics) bool {
	for {
		sig, ok := s.Signals.TryPop()
		if !ok {
			return false
		}
		if sig.Kind == signal.KindKill {
			return true
		}
		applyControlSignal(s, sig, m)
	}
}

func isFuelExhausted(err error) bool {
	return err != nil && (err == engine.ErrFuelExhausted || isWrapped(err, engine.ErrFuelExhausted))
}

func isWrapped(err, target error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// applyControlSignal applies one non-Kill signal to state: Link, Unlink,
// DieWhenLinkDies, an inbound Message (appended to the mailbox), or a
// LinkDied notification (trap-or-deliver per the process's trap policy). m
// may be nil, meaning don't report.
func applyControlSignal(s *process.State, sig signal.Signal, m Metrics) {
	if m != nil {
		m.SignalApplied(sig.Kind.String())
	}
	switch sig.Kind {
	case signal.KindMessage:
		s.Mailbox.Push(sig.Msg)
		if m != nil {
			m.MailboxDepthObserved(s.Mailbox.Len())
		}
	case signal.KindLink:
		s.AddLink(sig.Tag, sig.Peer)
	case signal.KindUnlink:
		s.RemoveLink(sig.Peer.ID())
	case signal.KindDieWhenLinkDies:
		s.DieWhenLinkDies = sig.Flag
	case signal.KindLinkDied:
		applyLinkDied(s, sig)
	}
}

// applyLinkDied implements the trap-policy branch of spec §4.4: by
// default a non-Normal LinkDied cascades into this process's own Failure
// ("linked process died: <reason>"), carrying the peer id and reason text
// (S3); if the process disabled the policy, it is instead delivered as an
// ordinary mailbox message for supervision logic to observe.
func applyLinkDied(s *process.State, sig signal.Signal) {
	if s.DieWhenLinkDies && !sig.Reason.IsNormal() {
		// Cascading failure: record the Failure reason and push a
		// synthetic Kill so the driver's main loop observes termination
		// at its next check, reporting this reason instead of Killed.
		reason := message.FailureExit("linked process died: %v: %s", sig.PeerID, sig.Reason)
		s.CascadeReason = &reason
		s.Signals.Push(signal.Kill)
		return
	}
	s.Mailbox.Push(message.NewLinkDied(sig.Tag, sig.PeerID, sig.Reason))
}

// cleanup implements spec §4.2 step 7: notify linked peers, remove from
// the environment, and drop every held resource.
func (d *Driver) cleanup(reason message.ExitReason) {
	if reason.Kind == message.Failure && d.Stdout != nil {
		w := d.FailureLog
		if w == nil {
			w = os.Stderr
		}
		_ = d.Stdout.Flush(w)
	}
	for _, link := range d.State.LinkedPeers() {
		_ = link.Peer.Send(signal.LinkDied(d.State.ID, link.Tag, reason))
	}
	if d.State.Reservation.Held {
		d.State.Registry.ReleaseReservation(d.State.Reservation.Name, d.State.Short)
	}
	d.State.Cleanup()
	d.State.Signals.Close()
	d.State.Mailbox.Close()
	if me, ok := d.State.Environment.(interface{ RemoveExited(procid.Short, string) }); ok {
		me.RemoveExited(d.State.Short, exitReasonLabel(reason))
	} else {
		d.State.Environment.Remove(d.State.Short)
	}
}

// exitReasonLabel collapses an ExitReason to the low-cardinality label
// metrics.Registry.ProcessExited expects (a Failure's free-form Text would
// otherwise blow up the reason label's cardinality).
func exitReasonLabel(reason message.ExitReason) string {
	switch reason.Kind {
	case message.Normal:
		return "normal"
	case message.Killed:
		return "killed"
	default:
		return "failure"
	}
}
