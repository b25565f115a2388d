// Package resource implements the per-process resource tables referenced by
// host calls (sockets, files, child process handles, and so on). Resources
// are addressed by a small integer key, unique within the owning process and
// never reused, and are partitioned by kind so that a key carries its kind
// implicitly rather than requiring a tagged trait object on the hot path.
package resource

import (
	"fmt"
	"sync"
)

// Kind tags the family a resource handle belongs to. New kinds are added as
// host capabilities grow; the zero value is never a valid kind.
type Kind uint8

const (
	_ Kind = iota
	// TCPStream is an established TCP connection.
	TCPStream
	// TCPListener is a listening TCP socket.
	TCPListener
	// UDPSocket is a UDP socket.
	UDPSocket
	// File is an open file handle (subject to WASI preopen restrictions).
	File
	// ChildProcess is a handle to a process spawned by, and linked from, the
	// owning process (kept to implement process::spawn's return value).
	ChildProcess
	// DNSIterator is the cursor over a DNS resolution result set.
	DNSIterator
	// SQLiteConnection is a handle to an open SQLite connection.
	SQLiteConnection
)

func (k Kind) String() string {
	switch k {
	case TCPStream:
		return "tcp_stream"
	case TCPListener:
		return "tcp_listener"
	case UDPSocket:
		return "udp_socket"
	case File:
		return "file"
	case ChildProcess:
		return "child_process"
	case DNSIterator:
		return "dns_iterator"
	case SQLiteConnection:
		return "sqlite_connection"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle addresses a single resource: its kind plus a key unique (and never
// reused) within the owning process's table for that kind.
type Handle struct {
	Kind Kind
	Key  uint64
}

// Attachment carries a resource that is in transit inside a Message: its
// kind plus the live value itself. Unlike Handle, an Attachment carries no
// key, because a moved resource is re-keyed into whichever table it is
// eventually inserted into — the sender's key has no meaning once the
// resource has left the sender's table (spec invariant 2: a resource key
// held by process P is present in exactly one table at any instant).
type Attachment struct {
	Kind  Kind
	Value any
}

// ErrMissing is returned when a key is referenced that was never allocated,
// already dropped, or already moved to another process via message
// attachment.
type ErrMissing struct {
	Handle Handle
}

func (e *ErrMissing) Error() string {
	return fmt.Sprintf("resource: %s key %d not found", e.Handle.Kind, e.Handle.Key)
}

// Table holds one process's live resources of every kind, each indexed by a
// monotonically assigned key that is never reused within the process's
// lifetime (spec invariant: a resource key held by process P is present in
// exactly one table at any instant).
type Table struct {
	mu      sync.Mutex
	nextKey uint64
	items   map[Handle]any
}

// NewTable constructs an empty resource table.
func NewTable() *Table {
	return &Table{items: make(map[Handle]any)}
}

// Insert adds value under a freshly minted key of the given kind and returns
// the resulting handle.
func (t *Table) Insert(kind Kind, value any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextKey++
	h := Handle{Kind: kind, Key: t.nextKey}
	t.items[h] = value
	return h
}

// InsertAt inserts value under an explicit handle, used when a resource is
// moved in from another process's table (it must keep its originating key
// space meaning only within the context of the message that carried it; the
// caller is responsible for re-keying via Insert if key collision with a
// local resource is possible). Most callers should prefer Insert.
func (t *Table) InsertAt(h Handle, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[h] = value
}

// Get returns the value at h without removing it.
func (t *Table) Get(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if !ok {
		return nil, &ErrMissing{Handle: h}
	}
	return v, nil
}

// Take removes and returns the value at h. This is used both for ordinary
// host-call "consume" semantics and for moving a resource to an outbound
// message (the resource must appear in exactly one table at any instant, so
// attaching to a message always takes from the sender's table first).
func (t *Table) Take(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[h]
	if !ok {
		return nil, &ErrMissing{Handle: h}
	}
	delete(t.items, h)
	return v, nil
}

// Drop removes and discards (closing, if io.Closer) the value at h. Used
// during process cleanup to release every remaining resource.
func (t *Table) Drop(h Handle) {
	t.mu.Lock()
	v, ok := t.items[h]
	if ok {
		delete(t.items, h)
	}
	t.mu.Unlock()
	if closer, ok := v.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// DrainAll removes and returns every remaining handle/value pair, leaving
// the table empty. Called once, during process cleanup.
func (t *Table) DrainAll() map[Handle]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.items
	t.items = make(map[Handle]any)
	return out
}

// Len reports the number of live resources, for diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
