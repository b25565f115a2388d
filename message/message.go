// Package message defines the user-plane payloads exchanged between
// processes: tagged byte payloads with optionally attached resources, and
// the exit reasons that travel inside a LinkDied message.
package message

import (
	"fmt"

	"github.com/joeycumines/lunatic/procid"
	"github.com/joeycumines/lunatic/resource"
)

// Tag is an optional 64-bit label used for selective receive. A message
// with no tag matches only an ANY receive.
type Tag struct {
	Value int64
	Set   bool
}

// NoTag is the zero value: "no tag present".
var NoTag = Tag{}

// NewTag wraps an explicit tag value.
func NewTag(v int64) Tag { return Tag{Value: v, Set: true} }

func (t Tag) String() string {
	if !t.Set {
		return "<none>"
	}
	return fmt.Sprintf("%d", t.Value)
}

// Kind discriminates the Message union.
type Kind uint8

const (
	// Data is an ordinary user message: a tag, a byte payload, and zero or
	// more resources moved from the sender.
	Data Kind = iota
	// LinkDiedKind is delivered to a process that linked a peer which has
	// exited, when that process has disabled the default trap policy via
	// die_when_link_dies(false).
	LinkDiedKind
)

// Message is the tagged union delivered to a process mailbox. Exactly one of
// the Data* or LinkDied* fields is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	// Data fields.
	Tag     Tag
	Payload []byte
	// Resources attached to a Data message; moved out of the sender's
	// resource.Table before the message is queued, and into the receiver's
	// table when the message is actually consumed via read/take.
	Resources []resource.Attachment

	// LinkDied fields.
	From   procid.ProcessID
	Reason ExitReason
}

// NewData constructs a Data message. The payload is copied defensively so
// later mutation of the caller's buffer cannot corrupt a queued message.
func NewData(tag Tag, payload []byte, resources []resource.Attachment) Message {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Message{Kind: Data, Tag: tag, Payload: buf, Resources: resources}
}

// NewLinkDied constructs a LinkDied message, as delivered to a supervising
// process that has disabled the default trap-on-link-death policy.
func NewLinkDied(tag Tag, from procid.ProcessID, reason ExitReason) Message {
	return Message{Kind: LinkDiedKind, Tag: tag, From: from, Reason: reason}
}

// MatchesTag reports whether m would be returned by a selective receive
// over the given tag set. An empty set (and a nil set) means ANY. A message
// with no tag matches only ANY.
func MatchesTag(m Message, tags []int64) bool {
	if len(tags) == 0 {
		return true
	}
	if !m.Tag.Set {
		return false
	}
	for _, t := range tags {
		if t == m.Tag.Value {
			return true
		}
	}
	return false
}

// ExitReasonKind discriminates ExitReason.
type ExitReasonKind uint8

const (
	// Normal indicates the guest's entry export returned without trapping.
	Normal ExitReasonKind = iota
	// Failure indicates a guest trap, or a host-call precondition
	// violation, carrying a human-readable description.
	Failure
	// Killed indicates termination by an explicit Kill signal.
	Killed
)

// ExitReason describes why a process stopped running.
type ExitReason struct {
	Kind ExitReasonKind
	Text string // meaningful only when Kind == Failure
}

// NormalExit is the canonical successful-completion reason.
var NormalExit = ExitReason{Kind: Normal}

// KilledExit is the canonical cooperative-kill reason.
var KilledExit = ExitReason{Kind: Killed}

// FailureExit builds a Failure reason from a formatted description.
func FailureExit(format string, args ...any) ExitReason {
	return ExitReason{Kind: Failure, Text: fmt.Sprintf(format, args...)}
}

func (r ExitReason) String() string {
	switch r.Kind {
	case Normal:
		return "normal"
	case Killed:
		return "killed"
	case Failure:
		return fmt.Sprintf("failure: %s", r.Text)
	default:
		return "unknown"
	}
}

// IsNormal reports whether r represents a clean exit.
func (r ExitReason) IsNormal() bool { return r.Kind == Normal }
