package walk

import (
	"github.com/go-delve/kwalk/pkg/logflags"
)

// Iterator lazily yields the objects of a list.
//
//	it := walk.List(mem, root, spec)
//	for it.Next() {
//		obj := it.Object()
//		...
//	}
//	if it.Status() == walk.Partial { ... it.Err() ... }
type Iterator struct {
	mem  Reader
	spec ListSpec
	root uint64

	// term is the link value that ends the walk: the first node for
	// HeadRepeats, the sentinel for NextRepeats.
	term    uint64
	cur     uint64
	started bool
	n       int
	seen    map[uint64]struct{}

	obj    Object
	status Status
	err    error
	log    logflags.Logger
}

// List returns an iterator over the list anchored at root.
func List(mem Reader, root uint64, spec ListSpec) *Iterator {
	if spec.MaxNodes <= 0 {
		spec.MaxNodes = DefaultMaxNodes
	}
	it := &Iterator{
		mem:  mem,
		spec: spec,
		root: root,
		seen: make(map[uint64]struct{}),
	}
	if logflags.Walker() {
		it.log = logflags.WalkerLogger()
	}
	return it
}

// Next advances to the next object. It returns false when the walk is
// over, Status then tells whether it reached a terminator.
func (it *Iterator) Next() bool {
	if it.status != Running {
		return false
	}
	if !it.started {
		it.started = true
		return it.first()
	}
	return it.advance()
}

func (it *Iterator) first() bool {
	start := it.root
	if it.spec.DerefRoot {
		first, err := it.mem.ReadPointer(it.root)
		if err != nil {
			return it.fail(it.root, err)
		}
		start = first
	}
	if logflags.Walker() {
		it.log.Debugf("root %#x start %#x policy %s", it.root, start, it.spec.Policy)
	}
	switch it.spec.Policy {
	case HeadRepeats:
		if start == 0 {
			return it.fail(start, ErrNullLink)
		}
		it.term = start
		return it.yield(start)
	case NextRepeats:
		it.term = start
		it.cur = start
		return it.advance()
	default:
		if start == 0 {
			return it.done()
		}
		return it.yield(start)
	}
}

func (it *Iterator) advance() bool {
	linkAddr := it.cur + it.spec.LinkOffset
	next, err := it.mem.ReadPointer(linkAddr)
	if err != nil {
		return it.fail(linkAddr, err)
	}
	if logflags.Walker() {
		it.log.Debugf("%#x -> %#x", linkAddr, next)
	}
	switch it.spec.Policy {
	case HeadRepeats, NextRepeats:
		if next == it.term {
			return it.done()
		}
		if next == 0 {
			return it.fail(linkAddr, ErrNullLink)
		}
	default:
		if next == 0 {
			return it.done()
		}
	}
	if _, visited := it.seen[next]; visited {
		return it.fail(next, ErrCycle)
	}
	if it.n >= it.spec.MaxNodes {
		return it.fail(next, ErrTooManyNodes)
	}
	return it.yield(next)
}

func (it *Iterator) yield(anchor uint64) bool {
	if anchor < it.spec.ContainerOffset {
		return it.fail(anchor, ErrBadLink)
	}
	it.cur = anchor
	it.seen[anchor] = struct{}{}
	it.n++
	it.obj = Object{Addr: anchor - it.spec.ContainerOffset, Link: anchor, Layout: it.spec.Layout}
	return true
}

func (it *Iterator) done() bool {
	it.status = Complete
	it.obj = Object{}
	return false
}

func (it *Iterator) fail(addr uint64, err error) bool {
	it.status = Partial
	it.err = &PartialError{Addr: addr, Yielded: it.n, Err: err}
	it.obj = Object{}
	if logflags.Walker() {
		it.log.Debugf("walk of %#x stopped: %v", it.root, it.err)
	}
	return false
}

// Object returns the current object.
func (it *Iterator) Object() Object {
	return it.obj
}

// Count returns the number of objects yielded so far.
func (it *Iterator) Count() int {
	return it.n
}

// Status returns the state of the walk.
func (it *Iterator) Status() Status {
	return it.status
}

// Err returns the reason a Partial walk stopped, nil otherwise.
func (it *Iterator) Err() error {
	return it.err
}

// Collect walks the whole list.
func Collect(it *Iterator) ([]Object, Status, error) {
	var r []Object
	for it.Next() {
		r = append(r, it.Object())
	}
	return r, it.Status(), it.Err()
}
