package process

import (
	"context"
	"sync"

	"github.com/joeycumines/lunatic/engine"
	"github.com/joeycumines/lunatic/mailbox"
	"github.com/joeycumines/lunatic/message"
	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/resource"
	"github.com/joeycumines/lunatic/signal"
)

// Registry is the subset of the registry service (C9) a process's host
// calls need. Declared here, rather than importing package registry
// directly, so process has no compile-time dependency on the registry's
// concrete locking strategy.
type Registry interface {
	Put(name string, node procid.NodeID, pid procid.Short)
	Get(name string) (procid.NodeID, procid.Short, bool)
	// GetOrPutLater implements the atomic get-or-reserve primitive (C9,
	// §4.5): on hit it returns found=true; on miss it retains the write
	// lock under holder until Put or ReleaseReservation is called by the
	// same holder.
	GetOrPutLater(ctx context.Context, name string, holder procid.Short) (node procid.NodeID, pid procid.Short, found bool, err error)
	ReleaseReservation(name string, holder procid.Short)
	// CheckReservation returns a non-nil error (to be surfaced as a guest
	// trap) if caller itself currently holds an outstanding reservation
	// under any name, not only name, i.e. is misusing the locking protocol.
	CheckReservation(name string, caller procid.Short) error
	Remove(name string)
}

// Environment is the subset of the environment service (C8) a process's
// driver needs for spawn/lookup/send and final removal.
type Environment interface {
	Send(id procid.Short, s signal.Signal) error
	Remove(id procid.Short)
	SpawnNextID() procid.Short
	Lookup(id procid.Short) (signal.Handle, bool)
}

// ReservationState tracks whether this process currently holds a registry
// write-lock reservation from GetOrPutLater, and under which name. Any
// registry operation other than Put/ReleaseReservation while a reservation
// is held is a programmer error (spec §4.5) and must trap.
type ReservationState struct {
	Held bool
	Name string
}

// State is the live, driver-owned bundle of everything one process needs
// (C6). Only the owning driver goroutine touches the non-concurrency-safe
// fields (Resources aside, which has its own lock); other actors interact
// exclusively through a signal.Handle.
type State struct {
	ID     procid.ProcessID
	Short  procid.Short
	Module engine.Module
	Config Config

	Signals *signal.Queue
	Mailbox *mailbox.Mailbox

	Resources *resource.Table

	Registry    Registry
	Environment Environment

	// Initialized is true iff the driver completed instantiation without
	// trapping (spec invariant 5).
	Initialized bool

	// ScratchMessage is the in-construction outbound message (lunatic::
	// message::create_data/write_data/push_resource build it up before
	// send consumes it). nil means no scratch message is open.
	ScratchMessage *ScratchMessage

	// PendingReceive is the last message consumed via receive/pop_any.
	// read_data/take_resource operate on it until the next receive.
	PendingReceive *message.Message

	// Reservation tracks an outstanding GetOrPutLater lock, if any.
	Reservation ReservationState

	// Links is the set of currently linked peers, keyed by peer id, with
	// the tag each link was established under.
	mu    sync.Mutex
	Links map[procid.ProcessID]linkEntry

	// DieWhenLinkDies is the trap policy applied to inbound LinkDied
	// signals; defaults to true per spec §4.4.
	DieWhenLinkDies bool

	// CascadeReason is set by the driver when a LinkDied signal cascades
	// into this process's own failure (DieWhenLinkDies trap policy, spec
	// §4.4); non-nil overrides the exit reason the next observed Kill
	// would otherwise report.
	CascadeReason *message.ExitReason
}

type linkEntry struct {
	tag  message.Tag
	peer signal.Handle
}

// ScratchMessage accumulates a Data message under construction.
type ScratchMessage struct {
	Tag       message.Tag
	Payload   []byte
	Resources []resource.Attachment
}

// New constructs a fresh State. The caller must still drive instantiation
// (engine.Module.Instantiate) before marking Initialized.
func New(id procid.ProcessID, short procid.Short, mod engine.Module, cfg Config, reg Registry, env Environment) *State {
	return &State{
		ID:              id,
		Short:           short,
		Module:          mod,
		Config:          cfg,
		Signals:         signal.NewQueue(),
		Mailbox:         mailbox.New(),
		Resources:       resource.NewTable(),
		Registry:        reg,
		Environment:     env,
		Links:           make(map[procid.ProcessID]linkEntry),
		DieWhenLinkDies: true,
	}
}

// Handle returns the signal.Handle other actors use to address this
// process.
func (s *State) Handle() signal.Handle { return signal.NewHandle(s.ID, s.Signals) }

// AddLink records peer under tag. Symmetric: the caller is responsible for
// also pushing the mirrored Link signal to peer.
func (s *State) AddLink(tag message.Tag, peer signal.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Links[peer.ID()] = linkEntry{tag: tag, peer: peer}
}

// RemoveLink drops peer from the link set, if present.
func (s *State) RemoveLink(peer procid.ProcessID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Links, peer)
}

// Linked reports whether peer is currently linked, and its tag if so.
func (s *State) Linked(peer procid.ProcessID) (message.Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Links[peer]
	return e.tag, ok
}

// LinkedPeers returns a snapshot of every currently linked peer handle,
// used during cleanup to fan out LinkDied.
func (s *State) LinkedPeers() []struct {
	Tag  message.Tag
	Peer signal.Handle
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]struct {
		Tag  message.Tag
		Peer signal.Handle
	}, 0, len(s.Links))
	for _, e := range s.Links {
		out = append(out, struct {
			Tag  message.Tag
			Peer signal.Handle
		}{Tag: e.tag, Peer: e.peer})
	}
	return out
}

// Cleanup drops every held resource. Called once by the driver after the
// guest has exited, before the process is removed from its environment.
func (s *State) Cleanup() {
	for _, v := range s.Resources.DrainAll() {
		if closer, ok := v.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
