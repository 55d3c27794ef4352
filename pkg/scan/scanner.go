package scan

import (
	"github.com/go-delve/kwalk/pkg/decode"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/session"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/walk"
)

// insnSuffix is appended to the name of a function pointer field to name
// the field holding its first instruction.
const insnSuffix = ".insn"

// scanner is the state of a tool run. It only lives inside a pause
// window.
type scanner struct {
	w    *session.Window
	mem  *vmi.Mem
	dec  *decode.Decoder
	reg  *layout.Registry
	desc vmi.Descriptor
	opts Options
	res  *Result
	log  logflags.Logger

	counts map[layout.Kind]int
}

// layout returns the layout of kind. A guest with no layout for kind, or
// whose layout lacks one of fields, can not be scanned by the tool.
func (s *scanner) layout(kind layout.Kind, fields ...string) (*layout.Layout, error) {
	l, err := s.reg.Lookup(s.desc.OS, s.desc.Paging, kind)
	if err == nil {
		err = l.Require(fields...)
	}
	if err != nil {
		return nil, &session.Error{Kind: session.UnsupportedOS, Err: err}
	}
	return l, nil
}

func (s *scanner) symbol(name string) (uint64, error) {
	return s.w.Symbol(name)
}

func (s *scanner) ptrSize() uint64 {
	return uint64(s.desc.PtrSize())
}

// list returns an iterator over a list, bounded by the configured number
// of nodes unless spec has its own bound.
func (s *scanner) list(root uint64, spec walk.ListSpec) *walk.Iterator {
	if spec.MaxNodes <= 0 {
		spec.MaxNodes = s.opts.MaxNodes
	}
	if logflags.Scan() {
		s.log.Debugf("walking %s list at %#x (link %#x, container %#x)", spec.Policy, root, spec.LinkOffset, spec.ContainerOffset)
	}
	return walk.List(s.mem, root, spec)
}

// each calls fn on every object of a list and merges the status of the
// walk into the result.
func (s *scanner) each(it *walk.Iterator, fn func(obj walk.Object) error) error {
	for it.Next() {
		if err := fn(it.Object()); err != nil {
			return err
		}
	}
	if it.Status() == walk.Partial {
		s.partial(it.Err())
	}
	return nil
}

// partial marks the result Partial. The first cause is kept.
func (s *scanner) partial(err error) {
	s.res.Status = walk.Partial
	if s.res.Cause == nil {
		s.res.Cause = err
	}
	if logflags.Scan() {
		s.log.WithError(err).Debug("enumeration is partial")
	}
}

func (s *scanner) record(kind layout.Kind, addr uint64) *Record {
	return &Record{Kind: kind, Addr: addr}
}

// emit appends r to the result.
func (s *scanner) emit(r *Record) {
	if s.counts == nil {
		s.counts = make(map[layout.Kind]int)
	}
	s.counts[r.Kind]++
	r.N = s.counts[r.Kind]
	if r.Degraded() && logflags.Scan() {
		for _, f := range r.Fields {
			if f.Err != nil {
				s.log.WithAddr(r.Addr).WithError(f.Err).Debugf("%s: field %s", r.Kind, f.Name)
			}
		}
	}
	s.res.Records = append(s.res.Records, *r)
}

// field decodes a field of obj into r. It returns false if the field
// could not be decoded.
func (s *scanner) field(r *Record, obj walk.Object, name string, kind decode.Kind) (decode.Value, bool) {
	v, err := s.dec.Decode(obj, name, kind)
	r.add(name, v, err)
	return v, err == nil
}

// fnptr decodes a function pointer field of obj into r, followed by its
// first instruction if disassembly is enabled.
func (s *scanner) fnptr(r *Record, obj walk.Object, name string) {
	v, ok := s.field(r, obj, name, decode.Address)
	if !ok || v.Null || !s.disasm() {
		return
	}
	iv, err := s.dec.DecodeAt(v.Addr, decode.Instruction)
	r.add(name+insnSuffix, iv, err)
}

func (s *scanner) disasm() bool {
	return s.opts.Disasm && s.desc.Paging != vmi.PagingAArch64
}

// follow decodes the pointer field name of obj into r and returns the
// object it points to. It returns false for null or unreadable pointers.
func (s *scanner) follow(r *Record, obj walk.Object, name string, target *layout.Layout) (walk.Object, bool) {
	v, ok := s.field(r, obj, name, decode.Address)
	if !ok || v.Null {
		return walk.Object{}, false
	}
	return walk.Object{Addr: v.U, Link: v.U, Layout: target}, true
}

// embedded returns the structure embedded in obj at field. The field must
// have been checked with layout.
func (s *scanner) embedded(obj walk.Object, field string, target *layout.Layout) walk.Object {
	addr := obj.Addr + obj.Layout.MustOffset(field)
	return walk.Object{Addr: addr, Link: addr, Layout: target}
}

// count reads the element count stored in field name of obj into r and
// returns it clamped to bound. Clamping makes the scan Partial.
func (s *scanner) count(r *Record, obj walk.Object, name string, width int, bound int) uint64 {
	addr, err := obj.FieldAddr(name)
	if err != nil {
		r.add(name, decode.Value{}, err)
		return 0
	}
	c := walk.ReadCount(s.mem, addr, width, uint64(bound))
	r.add(name, decode.Value{Kind: scalarKind(width), Addr: addr, U: c.Raw}, c.Err)
	if c.Clamped {
		s.partial(&CountError{Addr: addr, Raw: c.Raw, Bound: uint64(bound)})
	}
	return c.N
}

func scalarKind(width int) decode.Kind {
	switch width {
	case 2:
		return decode.U16
	case 4:
		return decode.U32
	default:
		return decode.U64
	}
}

// pointerAt decodes the pointer stored at addr into r. It returns false
// for null or unreadable pointers.
func (s *scanner) pointerAt(r *Record, name string, addr uint64) (uint64, bool) {
	v, err := s.dec.DecodeAt(addr, decode.Address)
	r.add(name, v, err)
	return v.U, err == nil && !v.Null
}
