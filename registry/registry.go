// Package registry implements the process name registry (C9): a single
// reader-writer map keyed by name, plus the atomic get-or-reserve primitive
// that lets a guest implement "register a named singleton" without TOCTOU.
// Locking shape grounded on catrate.Limiter's own sync.RWMutex-guarded
// shared map (catrate additionally shards per-category state behind a
// sync.Map for lock-free reads; the registry's spec explicitly calls for a
// single rw-lock, so that sharding is intentionally not carried over here).
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/lunatic/procid"
)

type entry struct {
	node procid.NodeID
	pid  procid.Short
}

// TrapError is returned when a caller violates the get_or_put_later
// locking protocol: any registry operation other than Put/
// ReleaseReservation issued by the same process while its own reservation
// is outstanding. The capability layer converts this into a guest trap.
type TrapError struct {
	Op, Name string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("registry: %s on %q violates an outstanding get_or_put_later reservation", e.Op, e.Name)
}

// nameGate is a per-name binary lock that a GetOrPutLater miss holds open
// until the same caller's Put/ReleaseReservation. Acquiring it is a
// suspending operation (spec §5 explicitly lists "registry get_or_put_later
// waiting on lock" as a suspension point), so Lock takes a context.
type nameGate struct {
	ch chan struct{} // 1-buffered token
}

func newNameGate() *nameGate {
	g := &nameGate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

func (g *nameGate) Lock(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *nameGate) Unlock() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// Registry is the C9 service: one rw-lock guarding one map, plus a set of
// per-name gates realizing the get_or_put_later reservation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	gatesMu sync.Mutex
	gates   map[string]*nameGate
	// reservations tracks, per name, which process short-id currently holds
	// that name's gate after a GetOrPutLater miss.
	reservations map[string]procid.Short
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		entries:      make(map[string]entry),
		gates:        make(map[string]*nameGate),
		reservations: make(map[string]procid.Short),
	}
}

func (r *Registry) gate(name string) *nameGate {
	r.gatesMu.Lock()
	defer r.gatesMu.Unlock()
	g, ok := r.gates[name]
	if !ok {
		g = newNameGate()
		r.gates[name] = g
	}
	return g
}

// Put unconditionally inserts name → (node, pid). If name has an
// outstanding reservation, Put also releases it, whichever process holds
// it (the obligated follow-up call per spec §4.5). Put does not itself require
// holding the reservation: a process may Put a name it never reserved.
func (r *Registry) Put(name string, node procid.NodeID, pid procid.Short) {
	r.mu.Lock()
	r.entries[name] = entry{node: node, pid: pid}
	r.mu.Unlock()

	r.gatesMu.Lock()
	_, reserved := r.reservations[name]
	delete(r.reservations, name)
	r.gatesMu.Unlock()
	if reserved {
		r.gate(name).Unlock()
	}
}

// Get is a snapshot read; it only needs the map's read lock, so it never
// blocks behind an in-flight GetOrPutLater reservation on a different name.
func (r *Registry) Get(name string) (procid.NodeID, procid.Short, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return 0, 0, false
	}
	return e.node, e.pid, true
}

// GetOrPutLater implements the atomic get-or-reserve primitive. On a hit it
// behaves like Get. On a miss, it acquires name's gate (blocking, i.e.
// suspending, if another process already holds an outstanding reservation
// for the same name) and keeps it held, recording holder as the owner; it
// returns found=false, and the caller is obligated to call Put (or, on
// abnormal termination, ReleaseReservation) to release the gate.
func (r *Registry) GetOrPutLater(ctx context.Context, name string, holder procid.Short) (node procid.NodeID, pid procid.Short, found bool, err error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e.node, e.pid, true, nil
	}

	g := r.gate(name)
	if err := g.Lock(ctx); err != nil {
		return 0, 0, false, err
	}

	// Re-check: another process may have Put while we waited for the gate.
	r.mu.RLock()
	e, ok = r.entries[name]
	r.mu.RUnlock()
	if ok {
		g.Unlock()
		return e.node, e.pid, true, nil
	}

	r.gatesMu.Lock()
	r.reservations[name] = holder
	r.gatesMu.Unlock()
	return 0, 0, false, nil
}

// ReleaseReservation abandons holder's reservation on name without
// publishing an entry, releasing the gate so other waiters can proceed.
// Used when a guest's get_or_put_later caller traps, is killed, or exits
// before calling Put. A no-op if holder does not currently own the
// reservation.
func (r *Registry) ReleaseReservation(name string, holder procid.Short) {
	r.gatesMu.Lock()
	h, ok := r.reservations[name]
	if ok && h == holder {
		delete(r.reservations, name)
	} else {
		ok = false
	}
	r.gatesMu.Unlock()
	if ok {
		r.gate(name).Unlock()
	}
}

// CheckReservation returns a TrapError if caller currently holds any
// outstanding get_or_put_later reservation, regardless of whether it was
// taken under name or a different one: spec §4.5 traps "any other
// registry operation" while a reservation is held, not only an operation
// against the reserved name itself. The capability layer calls this
// before any registry operation other than Put/ReleaseReservation to
// enforce the spec's locking protocol.
func (r *Registry) CheckReservation(name string, caller procid.Short) error {
	r.gatesMu.Lock()
	defer r.gatesMu.Unlock()
	for reservedName, holder := range r.reservations {
		if holder == caller {
			return &TrapError{Op: "registry operation", Name: reservedName}
		}
	}
	return nil
}

// Remove deletes name's entry, if present. It does not touch an
// outstanding reservation gate; removing a name a process has reserved but
// not yet Put is not meaningful (there is nothing to remove yet).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}
