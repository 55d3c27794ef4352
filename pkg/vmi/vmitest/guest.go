// Package vmitest provides a simulated guest for tests: a sparse,
// little endian address space with kernel symbols, profile offsets and
// fault injection, implementing vmi.Provider.
package vmitest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/go-delve/kwalk/pkg/vmi"
)

const pageSize = 0x1000

// ErrFault is returned by reads that touch a faulted address.
var ErrFault = errors.New("injected fault")

// Guest is a simulated guest. The zero value is not usable, call NewGuest.
type Guest struct {
	desc    vmi.Descriptor
	mode    vmi.AccessMode
	name    string
	id      uint64
	pages   map[uint64][]byte
	faults  map[uint64]bool
	symbols map[string]uint64
	offsets map[string]uint64

	// PauseErr, if set, is returned by Pause.
	PauseErr error
	// OnRead, if set, is called before every read.
	OnRead func(addr uint64, size int)

	Reads     int
	Pauses    int
	Resumes   int
	Destroyed int
	paused    bool
}

// NewGuest returns an empty guest with the given descriptor.
func NewGuest(os vmi.OSKind, paging vmi.PageMode) *Guest {
	return &Guest{
		desc:    vmi.Descriptor{OS: os, Paging: paging},
		mode:    vmi.AccessLive,
		name:    "testguest",
		id:      1,
		pages:   make(map[uint64][]byte),
		faults:  make(map[uint64]bool),
		symbols: make(map[string]uint64),
		offsets: make(map[string]uint64),
	}
}

// SetAccessMode changes the access mode reported by the guest.
func (g *Guest) SetAccessMode(mode vmi.AccessMode) { g.mode = mode }

// SetName changes the name and id reported by the guest.
func (g *Guest) SetName(name string, id uint64) {
	g.name = name
	g.id = id
}

// SetOSType changes the operating system reported by OSType, to simulate
// a guest whose descriptor changes while it is inspected.
func (g *Guest) SetOSType(os vmi.OSKind) { g.desc.OS = os }

// SetSymbol defines a kernel symbol.
func (g *Guest) SetSymbol(name string, addr uint64) { g.symbols[name] = addr }

// SetOffset defines a profile offset.
func (g *Guest) SetOffset(name string, off uint64) { g.offsets[name] = off }

// Map makes [addr, addr+size) readable, filled with zeroes.
func (g *Guest) Map(addr, size uint64) {
	for p := addr &^ (pageSize - 1); p < addr+size; p += pageSize {
		if g.pages[p] == nil {
			g.pages[p] = make([]byte, pageSize)
		}
	}
}

// Fault makes every read touching [addr, addr+size) fail.
func (g *Guest) Fault(addr, size uint64) {
	for a := addr; a < addr+size; a++ {
		g.faults[a] = true
	}
}

// Write stores data at addr, mapping memory as needed.
func (g *Guest) Write(addr uint64, data []byte) {
	g.Map(addr, uint64(len(data)))
	for i, b := range data {
		a := addr + uint64(i)
		g.pages[a&^(pageSize-1)][a&(pageSize-1)] = b
	}
}

// PutU16 stores a 16 bit value.
func (g *Guest) PutU16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	g.Write(addr, buf[:])
}

// PutU32 stores a 32 bit value.
func (g *Guest) PutU32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	g.Write(addr, buf[:])
}

// PutU64 stores a 64 bit value.
func (g *Guest) PutU64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	g.Write(addr, buf[:])
}

// PutPtr stores a pointer using the pointer size of the guest.
func (g *Guest) PutPtr(addr, v uint64) {
	if g.desc.PtrSize() == 8 {
		g.PutU64(addr, v)
	} else {
		g.PutU32(addr, uint32(v))
	}
}

// PutCString stores s followed by a NUL byte.
func (g *Guest) PutCString(addr uint64, s string) {
	g.Write(addr, append([]byte(s), 0))
}

// PutWideString stores a UNICODE_STRING at addr whose buffer, encoded as
// UTF-16LE, is stored at buf.
func (g *Guest) PutWideString(addr, buf uint64, s string) {
	units := utf16.Encode([]rune(s))
	data := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[2*i:], u)
	}
	g.PutRawWideString(addr, buf, data)
}

// PutRawWideString stores a UNICODE_STRING at addr pointing to data,
// stored at buf. Data is not validated.
func (g *Guest) PutRawWideString(addr, buf uint64, data []byte) {
	g.PutU16(addr, uint16(len(data)))
	g.PutU16(addr+2, uint16(len(data)))
	g.PutPtr(addr+uint64(g.desc.PtrSize()), buf)
	g.Write(buf, data)
}

// ReadVA implements vmi.MemoryReader.
func (g *Guest) ReadVA(buf []byte, addr uint64, as vmi.AddressSpace) (int, error) {
	g.Reads++
	if g.OnRead != nil {
		g.OnRead(addr, len(buf))
	}
	for i := range buf {
		a := addr + uint64(i)
		if g.faults[a] {
			return i, fmt.Errorf("%w at %#x", ErrFault, a)
		}
		page := g.pages[a&^(pageSize-1)]
		if page == nil {
			return i, fmt.Errorf("address %#x not mapped", a)
		}
		buf[i] = page[a&(pageSize-1)]
	}
	return len(buf), nil
}

// TranslateKernelSymbol implements vmi.Provider.
func (g *Guest) TranslateKernelSymbol(name string) (uint64, error) {
	addr, ok := g.symbols[name]
	if !ok {
		return 0, fmt.Errorf("no symbol %q in test guest", name)
	}
	return addr, nil
}

// KernelOffset implements vmi.OffsetSource.
func (g *Guest) KernelOffset(name string) (uint64, error) {
	off, ok := g.offsets[name]
	if !ok {
		return 0, vmi.ErrNoOffset
	}
	return off, nil
}

func (g *Guest) OSType() vmi.OSKind { return g.desc.OS }

func (g *Guest) PageMode(vmi.AddressSpace) (vmi.PageMode, error) { return g.desc.Paging, nil }

func (g *Guest) AccessMode() vmi.AccessMode { return g.mode }

// Pause implements vmi.Provider.
func (g *Guest) Pause() error {
	if g.PauseErr != nil {
		return g.PauseErr
	}
	g.Pauses++
	g.paused = true
	return nil
}

// Resume implements vmi.Provider.
func (g *Guest) Resume() error {
	g.Resumes++
	g.paused = false
	return nil
}

// IsPaused reports whether the guest is currently paused.
func (g *Guest) IsPaused() bool { return g.paused }

func (g *Guest) Destroy() error {
	g.Destroyed++
	return nil
}

func (g *Guest) Name() string { return g.name }

func (g *Guest) ID() uint64 { return g.id }

// Descriptor returns the descriptor the guest was created with.
func (g *Guest) Descriptor() vmi.Descriptor { return g.desc }

// Mem returns a facade over the guest, without pause guard.
func (g *Guest) Mem() *vmi.Mem {
	return vmi.NewMem(g, g.desc, nil)
}
