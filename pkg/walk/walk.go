// Package walk enumerates kernel objects linked together in guest
// memory.
//
// A list is described by a ListSpec: where the next link lives inside a
// node, how to get from a link to the base of the enclosing object, and
// which termination policy applies. The policy is configuration, it is
// never inferred from the guest operating system: Linux and Windows task
// lists have the same shape but opposite termination rules.
//
// Guest memory is untrusted. Every walk is finite: nodes are visited at
// most once, the number of nodes is bounded and counts read from the
// guest are clamped before they drive any iteration.
package walk

import (
	"errors"
	"fmt"

	"github.com/go-delve/kwalk/pkg/layout"
)

// Reader is the memory access needed to walk lists and arrays.
// *vmi.Mem implements it.
type Reader interface {
	ReadPointer(addr uint64) (uint64, error)
	ReadScalar(addr uint64, width int) (uint64, error)
	PtrSize() int
}

// Policy is the termination rule of a list.
type Policy uint8

const (
	// HeadRepeats is used for circular lists whose root is a member: the
	// walk stops when the link chain comes back to the root node. The root
	// is yielded.
	HeadRepeats Policy = iota
	// NextRepeats is used for circular lists anchored at a sentinel that
	// is not a member (e.g. a LIST_ENTRY symbol): the walk stops when a
	// link read from a node points back at the sentinel. The sentinel is
	// never yielded.
	NextRepeats
	// NullTerminated is used for singly linked chains: the walk stops on
	// a null link. The root is the first node; a null root is an empty
	// list.
	NullTerminated
)

func (p Policy) String() string {
	switch p {
	case HeadRepeats:
		return "head-repeats"
	case NextRepeats:
		return "next-repeats"
	case NullTerminated:
		return "null-terminated"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// DefaultMaxNodes bounds lists that don't set ListSpec.MaxNodes.
const DefaultMaxNodes = 1 << 16

// ListSpec describes how a structure kind forms a list.
//
// A link value points at the anchor of a node. The next link of a node is
// read at anchor+LinkOffset and the object containing the node starts at
// anchor-ContainerOffset. For an intrusive list_head embedded at offset N
// of a structure LinkOffset is 0 and ContainerOffset is N; for a chain of
// structures linked by a next pointer at offset N it is the reverse.
type ListSpec struct {
	LinkOffset      uint64
	ContainerOffset uint64
	Policy          Policy
	// DerefRoot means that the root address holds a pointer to the first
	// anchor instead of being an anchor itself (e.g. the head member of
	// a notifier chain head or FreeBSD's allproc).
	DerefRoot bool
	// MaxNodes is the maximum number of nodes yielded, DefaultMaxNodes
	// if zero.
	MaxNodes int
	// Layout is attached to every yielded Object.
	Layout *layout.Layout
}

// Object is a kernel object found by a walk. It is only valid while the
// guest stays paused.
type Object struct {
	// Addr is the base address of the object.
	Addr uint64
	// Link is the address of the node anchor the object was reached from.
	Link   uint64
	Layout *layout.Layout
}

// FieldAddr returns the address of a field of the object.
func (o Object) FieldAddr(field string) (uint64, error) {
	off, err := o.Layout.Offset(field)
	if err != nil {
		return 0, err
	}
	return o.Addr + off, nil
}

// Status tells whether a walk is exhaustive.
type Status uint8

const (
	// Running means the walk has not reached a terminator yet.
	Running Status = iota
	// Complete means the walk reached the terminator of its policy.
	Complete
	// Partial means the walk stopped before reaching a terminator.
	Partial
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Merge returns the status of a scan made of two walks.
func (s Status) Merge(o Status) Status {
	if s == Partial || o == Partial {
		return Partial
	}
	if s == Running || o == Running {
		return Running
	}
	return Complete
}

var (
	// ErrNullLink is the cause of walks of circular lists that met a
	// null link.
	ErrNullLink = errors.New("null link in circular list")
	// ErrCycle is the cause of walks that came back to a node other than
	// their terminator.
	ErrCycle = errors.New("link points to an already visited node")
	// ErrTooManyNodes is the cause of walks that reached MaxNodes.
	ErrTooManyNodes = errors.New("too many nodes")
	// ErrBadLink is the cause of walks that met a link below the
	// container offset.
	ErrBadLink = errors.New("link below container offset")
)

// PartialError describes why a walk stopped early.
type PartialError struct {
	// Addr is the address being read, or the offending link value.
	Addr uint64
	// Yielded is the number of objects yielded before stopping.
	Yielded int
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("list walk stopped after %d objects at %#x: %v", e.Yielded, e.Addr, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
