// Package signal implements the per-process control-plane mailbox (C2): an
// unbounded, lossless, at-most-once FIFO of Signal values, plus the
// lightweight Handle used by any other actor to address a process.
package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/procid"
)

// Kind discriminates the Signal union.
type Kind uint8

const (
	// KindMessage delivers a user-plane message.Message to the target's
	// message mailbox.
	KindMessage Kind = iota
	// KindLink establishes a symmetric link to Peer, tagged so a future
	// LinkDied can be selectively received.
	KindLink
	// KindUnlink removes a previously established link to Peer.
	KindUnlink
	// KindKill terminates the process unconditionally; a second Kill while
	// already terminating is a no-op.
	KindKill
	// KindDieWhenLinkDies toggles the trap policy applied to inbound
	// LinkDied signals (true is the default).
	KindDieWhenLinkDies
	// KindLinkDied notifies a linked peer that PeerID exited with Reason.
	KindLinkDied
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindLink:
		return "link"
	case KindUnlink:
		return "unlink"
	case KindKill:
		return "kill"
	case KindDieWhenLinkDies:
		return "die_when_link_dies"
	case KindLinkDied:
		return "link_died"
	default:
		return "unknown"
	}
}

// Signal is the control-plane union delivered to a process's signal queue.
// Only the fields relevant to Kind are meaningful.
type Signal struct {
	Kind Kind

	Msg message.Message // KindMessage

	Tag  message.Tag // KindLink, KindLinkDied
	Peer Handle      // KindLink, KindUnlink

	PeerID procid.ProcessID   // KindLinkDied
	Reason message.ExitReason // KindLinkDied

	Flag bool // KindDieWhenLinkDies
}

// Message wraps a user message as a signal.
func Message(m message.Message) Signal { return Signal{Kind: KindMessage, Msg: m} }

// Link requests the receiving process link to peer, tagged.
func Link(tag message.Tag, peer Handle) Signal {
	return Signal{Kind: KindLink, Tag: tag, Peer: peer}
}

// Unlink requests the receiving process remove its link to peer.
func Unlink(peer Handle) Signal { return Signal{Kind: KindUnlink, Peer: peer} }

// Kill is the terminal signal.
var Kill = Signal{Kind: KindKill}

// DieWhenLinkDies toggles the trap-on-link-death policy.
func DieWhenLinkDies(flag bool) Signal { return Signal{Kind: KindDieWhenLinkDies, Flag: flag} }

// LinkDied notifies the receiver that peer exited with reason, under tag.
func LinkDied(peer procid.ProcessID, tag message.Tag, reason message.ExitReason) Signal {
	return Signal{Kind: KindLinkDied, PeerID: peer, Tag: tag, Reason: reason}
}

// Sentinel errors returned by Queue and Handle operations.
var (
	// ErrClosed is returned by Wait once the queue has been closed and
	// drained; no further signals will ever arrive.
	ErrClosed = errors.New("signal: queue closed")
	// ErrGone is returned by Handle.Send when the target process's queue
	// has already been closed (the process has exited and been cleaned up).
	ErrGone = errors.New("signal: process no longer accepting signals")
)

// Queue is an unbounded MPSC FIFO: any goroutine may Push, but only the
// owning process's driver goroutine may consume it (TryPop/DrainAll/Wait).
// Delivery is at-most-once and lossless for as long as the queue is open.
type Queue struct {
	mu     sync.Mutex
	items  []Signal
	closed bool
	// notify is a dedup-buffered wakeup channel, matching the pattern used
	// by eventloop.Loop's channel-based fast-wakeup path: a size-1 buffered
	// channel with non-blocking sends, so multiple pushes between wakeups
	// collapse into a single notification.
	notify chan struct{}
}

// NewQueue constructs an empty, open signal queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends s to the queue and wakes any blocked Wait. Returns false if
// the queue has already been closed, in which case s was not enqueued.
func (q *Queue) Push(s Signal) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes and returns the oldest queued signal, if any.
func (q *Queue) TryPop() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Signal{}, false
	}
	s := q.items[0]
	q.items[0] = Signal{}
	q.items = q.items[1:]
	return s, true
}

// DrainAll removes and returns every currently queued signal in FIFO order,
// leaving the queue empty. This is the batch-drain the driver uses between
// guest execution steps, mirroring eventloop's runAux batch-swap idiom.
func (q *Queue) DrainAll() []Signal {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len reports the number of currently queued signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until at least one signal is queued, ctx is done, or the
// queue is closed with nothing left to drain.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n := len(q.items)
		closed := q.closed
		q.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close marks the queue closed: further Push calls fail, and Wait returns
// ErrClosed once drained. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Handle is a cheap, clonable reference to a process's signal queue: the
// minimal unit any actor needs to address and signal a process without
// touching its private state.
type Handle struct {
	id    procid.ProcessID
	queue *Queue
}

// NewHandle binds a ProcessID to the Queue that backs it.
func NewHandle(id procid.ProcessID, q *Queue) Handle {
	return Handle{id: id, queue: q}
}

// ID returns the wire-level address of the process this handle targets.
func (h Handle) ID() procid.ProcessID { return h.id }

// Send enqueues s for the target process. Returns ErrGone if the process
// has already exited and closed its queue.
func (h Handle) Send(s Signal) error {
	if h.queue == nil {
		return ErrGone
	}
	if !h.queue.Push(s) {
		return ErrGone
	}
	return nil
}

// Valid reports whether this handle was constructed against a real queue
// (the zero Handle is never valid).
func (h Handle) Valid() bool { return h.queue != nil }
