// Package mailbox implements the per-process message mailbox (C3): a FIFO
// of user messages supporting selective receive by tag, and timeout-bounded
// waits that never perturb the order of messages left behind.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/joeycumines/lunatic/message"
)

// ErrTimeout is returned by Receive/ReceiveMatching when no matching
// message arrives before the deadline. The mailbox is left unchanged.
var ErrTimeout = errors.New("mailbox: receive timed out")

// ErrClosed is returned once a mailbox has been closed (the owning process
// has exited and been cleaned up) and drained.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox is a FIFO deque of messages with selective-receive support. All
// methods are safe for concurrent use; Push is typically called by a
// process driver delivering a KindMessage signal, while Receive/
// ReceiveMatching are called by the owning process's own host calls.
type Mailbox struct {
	deque  []message.Message
	notify chan struct{}
	closed bool

	mu chan struct{} // binary mutex implemented as a 1-buffered channel, so
	// Receive can select on {notify, ctx.Done, timer} without holding a
	// sync.Mutex across a blocking select (avoiding the classic
	// condition-variable-over-channel pitfall).
}

// New constructs an empty, open mailbox.
func New() *Mailbox {
	m := &Mailbox{
		notify: make(chan struct{}, 1),
		mu:     make(chan struct{}, 1),
	}
	m.mu <- struct{}{}
	return m
}

func (m *Mailbox) lock()   { <-m.mu }
func (m *Mailbox) unlock() { m.mu <- struct{}{} }

// Push appends msg to the tail of the deque and wakes any blocked receiver.
// Returns false if the mailbox has been closed.
func (m *Mailbox) Push(msg message.Message) bool {
	m.lock()
	if m.closed {
		m.unlock()
		return false
	}
	m.deque = append(m.deque, msg)
	m.unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Len reports how many messages currently sit in the deque.
func (m *Mailbox) Len() int {
	m.lock()
	defer m.unlock()
	return len(m.deque)
}

// Close marks the mailbox closed. Further Push calls fail; pending/future
// Receive calls see ErrClosed once nothing further can match.
func (m *Mailbox) Close() {
	m.lock()
	m.closed = true
	m.unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// popAnyLocked removes and returns the head of the deque. Caller must hold
// the lock.
func (m *Mailbox) popAnyLocked() (message.Message, bool) {
	if len(m.deque) == 0 {
		return message.Message{}, false
	}
	msg := m.deque[0]
	m.deque[0] = message.Message{}
	m.deque = m.deque[1:]
	return msg, true
}

// popMatchingLocked scans the deque in order and removes the first message
// whose tag is in tags (nil/empty tags means ANY). Every other message
// keeps its relative order. Caller must hold the lock.
func (m *Mailbox) popMatchingLocked(tags []int64) (message.Message, bool) {
	for i, msg := range m.deque {
		if message.MatchesTag(msg, tags) {
			out := msg
			m.deque = append(m.deque[:i], m.deque[i+1:]...)
			return out, true
		}
	}
	return message.Message{}, false
}

// deadlineChan returns a channel that fires at deadline, or nil if deadline
// is the zero Time (meaning: wait forever, bounded only by ctx).
func deadlineChan(deadline time.Time) (<-chan time.Time, func()) {
	if deadline.IsZero() {
		return nil, func() {}
	}
	d := time.Until(deadline)
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// ReceiveAny is pop_any: it returns the head of the deque, blocking until
// one arrives, ctx is cancelled, or deadline passes (zero deadline means no
// timeout beyond ctx). On timeout it returns ErrTimeout and leaves the
// mailbox unchanged.
func (m *Mailbox) ReceiveAny(ctx context.Context, deadline time.Time) (message.Message, error) {
	return m.receive(ctx, deadline, nil)
}

// ReceiveMatching is pop_matching: it scans for the first message whose tag
// is in tags (ANY if tags is empty), blocking as ReceiveAny does. Messages
// skipped over remain in the mailbox in their original order, so a
// subsequent ReceiveAny will return them unchanged.
func (m *Mailbox) ReceiveMatching(ctx context.Context, tags []int64, deadline time.Time) (message.Message, error) {
	return m.receive(ctx, deadline, tags)
}

func (m *Mailbox) receive(ctx context.Context, deadline time.Time, tags []int64) (message.Message, error) {
	timeoutC, stop := deadlineChan(deadline)
	defer stop()

	for {
		m.lock()
		var (
			msg   message.Message
			found bool
		)
		if tags == nil {
			msg, found = m.popAnyLocked()
		} else {
			msg, found = m.popMatchingLocked(tags)
		}
		closed := m.closed
		m.unlock()

		if found {
			return msg, nil
		}
		if closed {
			return message.Message{}, ErrClosed
		}

		select {
		case <-m.notify:
			continue
		case <-timeoutC:
			return message.Message{}, ErrTimeout
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// ChannelConfig re-exports longpoll.ChannelConfig for ReceiveBatch callers
// who want to tune batch-size/partial-timeout behaviour without importing
// go-longpoll directly.
type ChannelConfig = longpoll.ChannelConfig

// ReceiveBatch drains up to cfg.MaxSize ANY messages, waiting at most
// cfg.PartialTimeout for the batch to reach cfg.MinSize once the first
// message has arrived. It is built directly on github.com/joeycumines/
// go-longpoll's Channel helper: a pump goroutine feeds a channel from the
// mailbox's deque, and longpoll.Channel implements the partial-timeout/
// batch-size policy. Used by supervisors that want to fan-in several
// LinkDied notifications before reacting, instead of reacting to each one
// individually.
func (m *Mailbox) ReceiveBatch(ctx context.Context, cfg *ChannelConfig) ([]message.Message, error) {
	ch := make(chan message.Message)
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()

	go func() {
		defer close(ch)
		for {
			msg, err := m.ReceiveAny(pumpCtx, time.Time{})
			if err != nil {
				return
			}
			select {
			case ch <- msg:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	var out []message.Message
	err := longpoll.Channel(ctx, cfg, ch, func(msg message.Message) error {
		out = append(out, msg)
		return nil
	})
	return out, err
}
