// Package capture implements the stdout/stderr capture feature dropped
// by spec.md's distillation but present in the original
// (crates/lunatic-stdout-capture): a growable set of in-memory streams shared
// between a parent process and its spawned children, so a whole process
// tree's combined output can be inspected as one unit (the common case:
// hiding sub-process output during testing while still capturing it for
// a post-mortem on panic). Flushed per spec.md §7 ("captured output is
// flushed per process on failure").
package capture

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Capture is one process-tree's worth of captured output: a growable,
// shared slice of byte buffers (one per process that has ever written
// through it) plus an index identifying which buffer this particular
// handle writes to. New handles created via Next append a fresh buffer
// and share the same backing slice, mirroring the original's
// Arc<RwLock<Vec<Mutex<Cursor<Vec<u8>>>>>> without needing the
// reference-counted Arc — Go's GC already keeps *group alive as long as
// any Capture handle references it.
type Capture struct {
	group *group
	index int
}

type group struct {
	mu      sync.RWMutex
	streams []*stream
	echo    bool
	echoW   io.Writer
}

type stream struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// New starts a fresh Capture with one stream. When echo is true, every
// write is also copied to echoW (typically os.Stdout) as it arrives —
// the original's "--nocapture" testing mode, where output must still be
// visible live but is also captured for failure reporting.
func New(echo bool, echoW io.Writer) *Capture {
	return &Capture{group: &group{streams: []*stream{{}}, echo: echo, echoW: echoW}, index: 0}
}

// Next returns a new handle appending a fresh stream to the same group,
// for a child process's own output — distinct from the parent's stream
// but inspectable together via the group-wide IsEmpty and Flush.
func (c *Capture) Next() *Capture {
	g := c.group
	g.mu.Lock()
	idx := len(g.streams)
	g.streams = append(g.streams, &stream{})
	g.mu.Unlock()
	return &Capture{group: g, index: idx}
}

// Write appends p to this handle's own stream, then echoes it to the
// group's echoW if echo is enabled. Implements io.Writer so a Capture can
// be wired directly as a process's stdout/stderr host-function sink.
func (c *Capture) Write(p []byte) (int, error) {
	g := c.group
	g.mu.RLock()
	s := g.streams[c.index]
	g.mu.RUnlock()

	s.mu.Lock()
	n, err := s.buf.Write(p)
	s.mu.Unlock()
	if err != nil {
		return n, err
	}

	if g.echo && g.echoW != nil {
		if _, err := g.echoW.Write(p); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Content returns this handle's own stream's accumulated bytes.
func (c *Capture) Content() []byte {
	g := c.group
	g.mu.RLock()
	s := g.streams[c.index]
	g.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// IsEmpty reports whether every stream in the group is empty.
func (c *Capture) IsEmpty() bool {
	g := c.group
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.streams {
		s.mu.Lock()
		empty := s.buf.Len() == 0
		s.mu.Unlock()
		if !empty {
			return false
		}
	}
	return true
}

// Flush writes a human-readable dump of every stream in the group to w,
// labelling each by index when there is more than one — the parent's
// post-mortem view of a whole process tree's output. Called by the
// scheduler driver when a process exits with a Failure reason (spec.md
// §7: output is flushed per process on failure).
func (c *Capture) Flush(w io.Writer) error {
	g := c.group
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.streams) == 1 {
		g.streams[0].mu.Lock()
		_, err := w.Write(g.streams[0].buf.Bytes())
		g.streams[0].mu.Unlock()
		return err
	}
	for i, s := range g.streams {
		s.mu.Lock()
		_, err := fmt.Fprintf(w, " --- process %d stdout ---\n", i)
		if err == nil {
			_, err = w.Write(s.buf.Bytes())
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
