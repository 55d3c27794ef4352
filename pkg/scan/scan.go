// Package scan runs inspection tools against a guest. A tool picks a root
// symbol, the layouts and list specs of the structures reachable from it
// and the fields to report; the walk, the decoding and the session
// handling are shared.
package scan

import (
	"errors"
	"fmt"

	"github.com/go-delve/kwalk/pkg/decode"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/session"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/walk"
)

// Default bounds for counts read from the guest.
const (
	DefaultMaxFDs         = 1 << 16
	DefaultMaxHookEntries = 1024
	DefaultMaxDevices     = 4096
)

// Options configures a scan. Zero values select the defaults.
type Options struct {
	// Layouts is the layout registry, layout.Builtin() if nil. Offsets
	// supplied by a kernel profile of the guest are applied on top of it.
	Layouts *layout.Registry

	MaxStringLen   int
	MaxNodes       int
	MaxFDs         int
	MaxHookEntries int
	MaxDevices     int

	// Disasm decodes the first instruction of every function pointer
	// reported.
	Disasm bool
}

func (o Options) withDefaults() Options {
	if o.Layouts == nil {
		o.Layouts = layout.Builtin()
	}
	if o.MaxStringLen <= 0 {
		o.MaxStringLen = decode.DefaultMaxStringLen
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = walk.DefaultMaxNodes
	}
	if o.MaxFDs <= 0 {
		o.MaxFDs = DefaultMaxFDs
	}
	if o.MaxHookEntries <= 0 {
		o.MaxHookEntries = DefaultMaxHookEntries
	}
	if o.MaxDevices <= 0 {
		o.MaxDevices = DefaultMaxDevices
	}
	return o
}

// Selection picks the tool to run.
type Selection struct {
	Tool string
}

// ErrUnknownTool is returned for selections naming no tool.
var ErrUnknownTool = errors.New("unknown tool")

// CountError is the cause of scans that clamped a count read from the
// guest.
type CountError struct {
	Addr  uint64
	Raw   uint64
	Bound uint64
}

func (e *CountError) Error() string {
	return fmt.Sprintf("count %d at %#x exceeds bound %d", e.Raw, e.Addr, e.Bound)
}

// Field is a decoded field of a record. Err is set if the field could
// not be decoded; that only degrades the record.
type Field struct {
	Name  string
	Value decode.Value
	Err   error
}

func (f Field) String() string {
	if f.Err != nil {
		return "?"
	}
	return f.Value.String()
}

// Record is a kernel object reported by a tool.
type Record struct {
	Kind layout.Kind
	Addr uint64
	// N is the position of the record among the records of its kind,
	// starting at 1.
	N      int
	Fields []Field
}

// Get returns the named field.
func (r *Record) Get(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{Name: name}, false
}

// Str returns the string form of the named field, "?" if it is missing
// or could not be decoded.
func (r *Record) Str(name string) string {
	f, ok := r.Get(name)
	if !ok {
		return "?"
	}
	return f.String()
}

// Degraded reports whether some field of the record could not be decoded.
func (r *Record) Degraded() bool {
	for _, f := range r.Fields {
		if f.Err != nil {
			return true
		}
	}
	return false
}

func (r *Record) add(name string, v decode.Value, err error) {
	r.Fields = append(r.Fields, Field{Name: name, Value: v, Err: err})
}

func (r *Record) set(name string, kind decode.Kind, u uint64) {
	r.add(name, decode.Value{Kind: kind, U: u}, nil)
}

// Result is the outcome of a scan that could read the guest.
type Result struct {
	Tool    *Tool
	Banner  string
	Status  walk.Status
	Records []Record
	// Cause is the first reason the scan became Partial.
	Cause error
}

// Lines formats the records the way the tool prints them.
func (r *Result) Lines() []string {
	lines := make([]string, 0, len(r.Records))
	for i := range r.Records {
		lines = append(lines, r.Tool.format(&r.Records[i])...)
	}
	return lines
}

// Run attaches to the target, runs the selected tool while the guest is
// paused and detaches.
func Run(t vmi.Target, sel Selection, opts Options) (*Result, error) {
	if _, err := Lookup(sel.Tool); err != nil {
		return nil, err
	}
	c := session.New()
	defer c.Detach()
	if err := c.Attach(t); err != nil {
		return nil, err
	}
	return RunSession(c, sel, opts)
}

// RunSession runs the selected tool on an attached session.
func RunSession(c *session.Controller, sel Selection, opts Options) (*Result, error) {
	tool, err := Lookup(sel.Tool)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	desc := c.Descriptor()
	if !tool.supports(desc.OS) {
		return nil, &session.Error{Kind: session.UnsupportedOS, Err: fmt.Errorf("%s does not support %s guests", tool.Name, desc.OS)}
	}
	reg := opts.Layouts
	if src, ok := c.Provider().(vmi.OffsetSource); ok {
		reg, err = reg.Overlay(src, desc.OS)
		if err != nil {
			return nil, &session.Error{Kind: session.UnsupportedOS, Err: err}
		}
	}
	res := &Result{Tool: tool, Banner: banner(tool, c.Provider()), Status: walk.Complete}
	err = c.WithPause(func(w *session.Window) error {
		s := &scanner{
			w:    w,
			mem:  w.Mem(),
			dec:  decode.New(w.Mem(), opts.MaxStringLen),
			reg:  reg,
			desc: desc,
			opts: opts,
			res:  res,
			log:  logflags.ScanLogger(),
		}
		if logflags.Scan() {
			s.log.Debugf("running %s on %s", tool.Name, desc)
		}
		return tool.run(s)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func banner(t *Tool, p vmi.Provider) string {
	if p.AccessMode() == vmi.AccessFile {
		return fmt.Sprintf("%s for file %s", t.What, p.Name())
	}
	return fmt.Sprintf("%s for VM %s (id=%d)", t.What, p.Name(), p.ID())
}
