package layout

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/vmi"
)

// Row is one entry of the registry. A row with no paging modes applies to
// every paging mode.
type Row struct {
	OS     vmi.OSKind
	Paging []vmi.PageMode
	Kind   Kind
	Fields map[string]uint64
}

func (r *Row) matches(os vmi.OSKind, pm vmi.PageMode, kind Kind) bool {
	if r.OS != os || r.Kind != kind {
		return false
	}
	if len(r.Paging) == 0 {
		return true
	}
	for _, m := range r.Paging {
		if m == pm {
			return true
		}
	}
	return false
}

// Registry is an ordered set of rows. Rows added later take precedence
// over earlier rows for the same field.
type Registry struct {
	rows []Row
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a row to the registry.
func (r *Registry) Add(row Row) {
	fields := make(map[string]uint64, len(row.Fields))
	for k, v := range row.Fields {
		fields[k] = v
	}
	row.Fields = fields
	r.rows = append(r.rows, row)
}

// Rows returns the number of rows in the registry.
func (r *Registry) Rows() int {
	return len(r.rows)
}

// Clone returns a copy of r that can be extended without modifying r.
func (r *Registry) Clone() *Registry {
	c := &Registry{rows: make([]Row, len(r.rows))}
	copy(c.rows, r.rows)
	return c
}

// Lookup returns the layout of kind for the given operating system and
// paging mode, merging every matching row.
func (r *Registry) Lookup(os vmi.OSKind, pm vmi.PageMode, kind Kind) (*Layout, error) {
	var l *Layout
	for i := range r.rows {
		row := &r.rows[i]
		if !row.matches(os, pm, kind) {
			continue
		}
		if l == nil {
			l = &Layout{Kind: kind, OS: os, Fields: make(map[string]uint64)}
		}
		for k, v := range row.Fields {
			l.Fields[k] = v
		}
	}
	if l == nil {
		return nil, &UnsupportedError{OS: os, Paging: pm, Kind: kind}
	}
	if logflags.Layout() {
		logflags.LayoutLogger().Debugf("%s/%s: %v", os, pm, l)
	}
	return l, nil
}

type layoutFile struct {
	Layouts []layoutEntry `yaml:"layouts"`
}

type layoutEntry struct {
	OS     string            `yaml:"os"`
	Paging []string          `yaml:"paging,omitempty"`
	Kind   string            `yaml:"kind"`
	Fields map[string]uint64 `yaml:"fields"`
}

// Load reads rows in YAML format from rd and appends them to r.
func (r *Registry) Load(rd io.Reader) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	var lf layoutFile
	if err := yaml.UnmarshalStrict(data, &lf); err != nil {
		return fmt.Errorf("could not decode layouts: %v", err)
	}
	for i, e := range lf.Layouts {
		os, err := vmi.ParseOSKind(e.OS)
		if err != nil {
			return fmt.Errorf("layout %d: %v", i, err)
		}
		if e.Kind == "" {
			return fmt.Errorf("layout %d: missing kind", i)
		}
		row := Row{OS: os, Kind: Kind(e.Kind), Fields: e.Fields}
		for _, s := range e.Paging {
			pm, err := vmi.ParsePageMode(s)
			if err != nil {
				return fmt.Errorf("layout %d: %v", i, err)
			}
			row.Paging = append(row.Paging, pm)
		}
		r.Add(row)
	}
	return nil
}

// LoadFile is like Load but reads from the named file.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := r.Load(f); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	return nil
}

// profileOffsets maps kernel profile offset names to layout fields.
var profileOffsets = []struct {
	name  string
	os    vmi.OSKind
	kind  Kind
	field string
}{
	{"linux_tasks", vmi.OSLinux, Task, "tasks"},
	{"linux_pid", vmi.OSLinux, Task, "pid"},
	{"linux_name", vmi.OSLinux, Task, "comm"},
	{"win_tasks", vmi.OSWindows, EProcess, "tasks"},
	{"win_pid", vmi.OSWindows, EProcess, "pid"},
	{"win_pname", vmi.OSWindows, EProcess, "name"},
	{"freebsd_pid", vmi.OSFreeBSD, Proc, "pid"},
	{"freebsd_name", vmi.OSFreeBSD, Proc, "comm"},
}

// Overlay returns a copy of r extended with the offsets src knows about
// for the given operating system. Offsets missing from the profile are
// skipped, other errors are returned.
func (r *Registry) Overlay(src vmi.OffsetSource, os vmi.OSKind) (*Registry, error) {
	c := r.Clone()
	rows := map[Kind]map[string]uint64{}
	for _, po := range profileOffsets {
		if po.os != os {
			continue
		}
		off, err := src.KernelOffset(po.name)
		if err != nil {
			if errors.Is(err, vmi.ErrNoOffset) {
				continue
			}
			return nil, fmt.Errorf("reading profile offset %s: %v", po.name, err)
		}
		if rows[po.kind] == nil {
			rows[po.kind] = map[string]uint64{}
		}
		rows[po.kind][po.field] = off
	}
	for _, kind := range []Kind{Task, EProcess, Proc} {
		if fields := rows[kind]; fields != nil {
			c.Add(Row{OS: os, Kind: kind, Fields: fields})
		}
	}
	return c, nil
}
