// Package procid defines process and node identity.
//
// A process has a stable 128-bit identity (ID) that is never reused within
// an environment's lifetime, and a 64-bit short identity (Short) that is
// cheap to pass around and is what appears on the wire and in handles.
// Equality between processes is always by ID; Short is only meaningful
// alongside the NodeID of the environment that minted it.
package procid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is a stable, globally unique process identity. Once retired, an ID is
// never reassigned within the environment that issued it (spec invariant:
// a process id, once retired, is never reassigned within the same
// environment).
type ID uuid.UUID

// NewID mints a fresh stable identity.
func NewID() ID {
	return ID(uuid.New())
}

// String renders the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short is a 64-bit identity unique within a single environment, used on
// the wire and for cheap equality checks in hot paths (mailbox routing,
// link sets). It carries no meaning outside the environment that issued it.
type Short uint64

// NodeID identifies a node within a cluster. Node 0 is reserved for "this
// node is not yet known" and must never be assigned to a live node.
type NodeID uint64

// ProcessID is the wire-level address of a process: a node plus the short
// id that node's environment assigned to it. Two ProcessIDs are equal iff
// both fields match.
type ProcessID struct {
	Node  NodeID
	Short Short
}

// IsLocal reports whether pid addresses a process on localNode.
func (pid ProcessID) IsLocal(localNode NodeID) bool {
	return pid.Node == localNode
}

func (pid ProcessID) String() string {
	return fmt.Sprintf("%d:%d", pid.Node, pid.Short)
}

// Generator issues monotonically increasing Short ids for one environment.
// Short ids are never reused: Generator never wraps back to a previously
// issued value within a process lifetime (a 64-bit counter is assumed
// never to exhaust in practice).
type Generator struct {
	next uint64
}

// Next returns the next unused Short id. Zero is never issued, so the zero
// value of Short can be used as a "no process" sentinel by callers.
func (g *Generator) Next() Short {
	return Short(atomic.AddUint64(&g.next, 1))
}
