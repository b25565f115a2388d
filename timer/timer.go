// Package timer implements the timer service (C10): a min-heap of
// (deadline, timer id) entries, a background poller that publishes
// Message signals into a target's mailbox on expiry, and cancellation with
// lazy eviction of stale heap entries. Heap/poll/cancellation shape
// directly adapted from eventloop.Loop's container/heap-based timerHeap,
// ScheduleTimer, and runTimers (joeycumines-go-utilpkg/eventloop/loop.go),
// generalized from "deliver a JS callback" to "deliver a signal.Message".
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/signal"
)

// ID identifies one scheduled timer, unique within a Service's lifetime.
type ID uint64

type entry struct {
	deadline time.Time
	id       ID
	target   signal.Handle
	tag      message.Tag
	payload  []byte
	index    int // heap index, maintained by container/heap
}

type timerHeap []*entry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service is the C10 timer service: one min-heap, a cancellation set, and a
// single poller goroutine delivering Message signals on expiry.
type Service struct {
	mu        sync.Mutex
	heap      timerHeap
	byID      map[ID]*entry
	cancelled map[ID]bool
	nextID    ID
	wake      chan struct{}

	now func() time.Time
}

// New constructs a Service. Run must be called (typically in its own
// goroutine) for timers to actually fire.
func New() *Service {
	return &Service{
		byID:      make(map[ID]*entry),
		cancelled: make(map[ID]bool),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// SendAfter schedules delivery of a Message signal carrying (tag, payload)
// to target after d elapses. Returns the new timer's ID, usable with
// Cancel.
func (s *Service) SendAfter(target signal.Handle, tag message.Tag, payload []byte, d time.Duration) ID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &entry{deadline: s.now().Add(d), id: id, target: target, tag: tag, payload: append([]byte(nil), payload...)}
	s.byID[id] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes id before it fires. Returns true if cancellation took
// effect (the timer had not yet fired), false if it already fired or never
// existed — matching lunatic::timer::cancel's 1/0 contract.
func (s *Service) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	s.cancelled[id] = true
	return true
}

// Run drives the poller until ctx is cancelled. It should be started once,
// in its own goroutine, per Service.
func (s *Service) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait <-chan time.Time
		var timer *time.Timer
		if len(s.heap) == 0 {
			wait = nil
		} else {
			d := s.heap[0].deadline.Sub(s.now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			wait = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-wait:
			s.fireExpired()
		}
	}
}

func (s *Service) fireExpired() {
	now := s.now()
	var due []*entry
	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		if s.cancelled[e.id] {
			delete(s.cancelled, e.id)
			continue
		}
		delete(s.byID, e.id)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		msg := message.NewData(e.tag, e.payload, nil)
		_ = e.target.Send(signal.Message(msg))
	}
}

// Len reports the number of currently pending (not yet fired or
// cancelled) timers, for diagnostics and tests.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
