// Package snapshot implements a VMI provider over memory snapshots: raw
// images of guest kernel memory on disk, described by a YAML file that
// supplies what a live backend would learn from the hypervisor and the
// kernel profile (operating system, paging mode, symbols and offsets).
//
// A descriptor looks like this:
//
//	name: guest1
//	id: 7
//	os: linux
//	paging: ia32e
//	symbols: {init_task: 0xffffffff82a14940}
//	system-map: System.map
//	offsets: {linux_tasks: 0x7a0, linux_pid: 0x8a0, linux_name: 0xb48}
//	regions:
//	  - {file: mem.raw, vaddr: 0xffffffff80000000, offset: 0, length: 0x4000000}
//
// Relative paths are relative to the directory of the descriptor. Later
// regions override earlier ones where they overlap. A zero length maps the
// image from offset to its end.
package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/kwalk/pkg/logflags"
	"github.com/go-delve/kwalk/pkg/vmi"
)

func init() {
	vmi.RegisterBackend(vmi.FileBackend, func(t vmi.Target) (vmi.Provider, error) {
		return Open(t.File)
	})
}

// File is the content of a snapshot descriptor.
type File struct {
	Name      string            `yaml:"name"`
	ID        uint64            `yaml:"id"`
	OS        string            `yaml:"os"`
	Paging    string            `yaml:"paging"`
	Symbols   map[string]uint64 `yaml:"symbols,omitempty"`
	SystemMap string            `yaml:"system-map,omitempty"`
	Offsets   map[string]uint64 `yaml:"offsets,omitempty"`
	Regions   []Region          `yaml:"regions"`
}

// Region maps part of an image file into the guest address space.
type Region struct {
	File   string `yaml:"file"`
	VAddr  uint64 `yaml:"vaddr"`
	Offset uint64 `yaml:"offset"`
	Length uint64 `yaml:"length"`
}

// Snapshot is a vmi.Provider serving reads from memory images.
type Snapshot struct {
	path    string
	file    File
	desc    vmi.Descriptor
	mem     splicedMemory
	images  map[string]*image
	symbols map[string]uint64

	// Pauses and Resumes count the calls to Pause and Resume, which do
	// nothing else.
	Pauses, Resumes int
}

// Open loads the snapshot described by the YAML file at path.
func Open(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	s := &Snapshot{path: path, file: f, images: map[string]*image{}, symbols: map[string]uint64{}}
	if err := s.load(filepath.Dir(path)); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return s, nil
}

func (s *Snapshot) load(dir string) error {
	var err error
	s.desc.OS, err = vmi.ParseOSKind(s.file.OS)
	if err != nil {
		return err
	}
	s.desc.Paging, err = vmi.ParsePageMode(s.file.Paging)
	if err != nil {
		return err
	}
	if s.file.SystemMap != "" {
		f, err := os.Open(resolve(dir, s.file.SystemMap))
		if err != nil {
			return err
		}
		err = parseSystemMap(f, s.symbols)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %v", s.file.SystemMap, err)
		}
	}
	for name, addr := range s.file.Symbols {
		s.symbols[name] = addr
	}
	if len(s.file.Regions) == 0 {
		return fmt.Errorf("no memory regions")
	}
	for i, r := range s.file.Regions {
		if err := s.addRegion(dir, r); err != nil {
			return fmt.Errorf("region %d: %v", i, err)
		}
	}
	if logflags.Snapshot() {
		logflags.SnapshotLogger().Debugf("%s: %s, %d regions, %d symbols", s.path, s.desc, len(s.mem.regions), len(s.symbols))
	}
	return nil
}

func (s *Snapshot) addRegion(dir string, r Region) error {
	path := resolve(dir, r.File)
	img := s.images[path]
	if img == nil {
		var err error
		img, err = openImage(path)
		if err != nil {
			return err
		}
		s.images[path] = img
	}
	size := uint64(img.Size())
	if r.Offset > size {
		return fmt.Errorf("offset %#x past the end of %s", r.Offset, r.File)
	}
	length := r.Length
	if length == 0 {
		length = size - r.Offset
	}
	if length > size-r.Offset {
		return fmt.Errorf("%#x bytes at %#x past the end of %s", length, r.Offset, r.File)
	}
	if r.VAddr+length < r.VAddr {
		return fmt.Errorf("region at %#x wraps around the address space", r.VAddr)
	}
	s.mem.add(img, r.VAddr, length, int64(r.Offset))
	return nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// parseSystemMap reads symbols in nm format ("address type name").
func parseSystemMap(rd io.Reader, symbols map[string]uint64) error {
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return fmt.Errorf("line %d: malformed symbol", line)
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return fmt.Errorf("line %d: %v", line, err)
		}
		if _, dup := symbols[fields[2]]; !dup {
			symbols[fields[2]] = addr
		}
	}
	return sc.Err()
}

// ReadVA implements vmi.MemoryReader. Snapshots only hold kernel memory.
func (s *Snapshot) ReadVA(buf []byte, addr uint64, as vmi.AddressSpace) (int, error) {
	if as != vmi.KernelSpace {
		return 0, fmt.Errorf("address space %#x not in snapshot", uint64(as))
	}
	return s.mem.ReadAt(buf, addr)
}

func (s *Snapshot) TranslateKernelSymbol(name string) (uint64, error) {
	addr, ok := s.symbols[name]
	if !ok {
		return 0, fmt.Errorf("no symbol %q in %s", name, s.path)
	}
	return addr, nil
}

// KernelOffset implements vmi.OffsetSource.
func (s *Snapshot) KernelOffset(name string) (uint64, error) {
	off, ok := s.file.Offsets[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", vmi.ErrNoOffset, name)
	}
	return off, nil
}

func (s *Snapshot) OSType() vmi.OSKind { return s.desc.OS }

func (s *Snapshot) PageMode(vmi.AddressSpace) (vmi.PageMode, error) { return s.desc.Paging, nil }

func (s *Snapshot) AccessMode() vmi.AccessMode { return vmi.AccessFile }

func (s *Snapshot) Pause() error {
	s.Pauses++
	return nil
}

func (s *Snapshot) Resume() error {
	s.Resumes++
	return nil
}

// Destroy unmaps the images.
func (s *Snapshot) Destroy() error {
	var firstErr error
	for path, img := range s.images {
		if err := img.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.images, path)
	}
	s.mem.regions = nil
	return firstErr
}

// Name returns the name in the descriptor, or the descriptor file name.
func (s *Snapshot) Name() string {
	if s.file.Name != "" {
		return s.file.Name
	}
	return filepath.Base(s.path)
}

func (s *Snapshot) ID() uint64 { return s.file.ID }
