package vmi

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/kwalk/pkg/logflags"
)

const (
	symbolCacheSize = 256
	pageSize        = 0x1000
)

// Mem is the memory access facade used by the walker and the decoders.
// All reads are relative to one address space and use the pointer width
// of the guest descriptor.
type Mem struct {
	p     Provider
	mem   MemoryReader
	as    AddressSpace
	desc  Descriptor
	syms  *lru.Cache
	guard func() error
	log   logflags.Logger

	// paused is shared by all the copies of a facade.
	paused *bool
}

// NewMem returns a facade over p for the kernel address space.
// The guard function, if not nil, is called before every read and can
// veto it by returning an error.
func NewMem(p Provider, desc Descriptor, guard func() error) *Mem {
	syms, err := lru.New(symbolCacheSize)
	if err != nil {
		panic(err)
	}
	return &Mem{p: p, mem: p, as: KernelSpace, desc: desc, syms: syms, guard: guard, log: logflags.VMILogger(), paused: new(bool)}
}

// Descriptor returns the address space descriptor of the guest.
func (m *Mem) Descriptor() Descriptor {
	return m.desc
}

// PtrSize returns the size of a guest pointer.
func (m *Mem) PtrSize() int {
	return m.desc.PtrSize()
}

// Provider returns the underlying provider.
func (m *Mem) Provider() Provider {
	return m.p
}

// WithAddressSpace returns a copy of m that translates addresses using as.
func (m *Mem) WithAddressSpace(as AddressSpace) *Mem {
	r := *m
	r.as = as
	if c, isCache := r.mem.(*memCache); isCache {
		r.mem = c.mem
	}
	return &r
}

// Cached returns a copy of m that serves reads in [addr, addr+size) from
// a single read of the whole block.
func (m *Mem) Cached(addr uint64, size int) *Mem {
	if err := m.check(); err != nil {
		return m
	}
	r := *m
	r.mem = cacheMemory(m.mem, addr, size, m.as)
	return &r
}

func (m *Mem) check() error {
	if m.guard == nil {
		return nil
	}
	return m.guard()
}

// ResolveSymbol returns the virtual address of a kernel symbol.
func (m *Mem) ResolveSymbol(name string) (uint64, error) {
	if v, ok := m.syms.Get(name); ok {
		return v.(uint64), nil
	}
	addr, err := m.p.TranslateKernelSymbol(name)
	if err != nil {
		return 0, &SymbolNotFoundError{Name: name, Err: err}
	}
	m.syms.Add(name, addr)
	if logflags.VMI() {
		m.log.Debugf("symbol %s at %#x", name, addr)
	}
	return addr, nil
}

// ReadSymbolPointer reads the pointer stored at the address of a kernel
// symbol.
func (m *Mem) ReadSymbolPointer(name string) (uint64, error) {
	addr, err := m.ResolveSymbol(name)
	if err != nil {
		return 0, err
	}
	return m.ReadPointer(addr)
}

func (m *Mem) read(buf []byte, addr uint64) error {
	if err := m.check(); err != nil {
		return &ReadError{Addr: addr, Size: len(buf), Err: err}
	}
	n, err := m.mem.ReadVA(buf, addr, m.as)
	if err != nil {
		return &ReadError{Addr: addr, Size: len(buf), Err: err}
	}
	if n != len(buf) {
		return &ReadError{Addr: addr, Size: len(buf), Err: fmt.Errorf("short read (%d bytes)", n)}
	}
	return nil
}

// ReadBytes reads n bytes at addr.
func (m *Mem) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.read(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadScalar reads an unsigned little endian integer of the given width
// (1, 2, 4 or 8 bytes).
func (m *Mem) ReadScalar(addr uint64, width int) (uint64, error) {
	var val [8]byte
	switch width {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("invalid scalar width %d", width)
	}
	if err := m.read(val[:width], addr); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(val[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(val[:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(val[:])), nil
	default:
		return binary.LittleEndian.Uint64(val[:]), nil
	}
}

// ReadU16 reads a 16 bit value.
func (m *Mem) ReadU16(addr uint64) (uint16, error) {
	v, err := m.ReadScalar(addr, 2)
	return uint16(v), err
}

// ReadU32 reads a 32 bit value.
func (m *Mem) ReadU32(addr uint64) (uint32, error) {
	v, err := m.ReadScalar(addr, 4)
	return uint32(v), err
}

// ReadU64 reads a 64 bit value.
func (m *Mem) ReadU64(addr uint64) (uint64, error) {
	return m.ReadScalar(addr, 8)
}

// ReadPointer reads a guest pointer.
func (m *Mem) ReadPointer(addr uint64) (uint64, error) {
	return m.ReadScalar(addr, m.PtrSize())
}

// ReadCString reads a NUL terminated string of at most maxLen bytes.
// Reads never extend past addr+maxLen. If no terminator is found the
// bounded prefix is returned with truncated set.
// Memory is read one page at a time so that a string ending right before
// an unmapped page is still readable.
func (m *Mem) ReadCString(addr uint64, maxLen int) (s string, truncated bool, err error) {
	buf := make([]byte, 0, 64)
	cur := addr
	for len(buf) < maxLen {
		chunk := pageSize - int(cur%pageSize)
		if rem := maxLen - len(buf); chunk > rem {
			chunk = rem
		}
		if chunk > 64 {
			chunk = 64
		}
		val := make([]byte, chunk)
		if err := m.read(val, cur); err != nil {
			// The chunk runs into unreadable memory. The string may still
			// end before it does.
			return m.readCStringTail(buf, cur, chunk, err)
		}
		for i, ch := range val {
			if ch == 0 {
				return string(append(buf, val[:i]...)), false, nil
			}
		}
		buf = append(buf, val...)
		cur += uint64(chunk)
	}
	return string(buf), true, nil
}

// readCStringTail reads the n bytes at cur one at a time, after a read of
// the whole chunk failed with chunkErr. buf holds the bytes read so far.
func (m *Mem) readCStringTail(buf []byte, cur uint64, n int, chunkErr error) (string, bool, error) {
	var b [1]byte
	for i := 0; i < n; i++ {
		if err := m.read(b[:], cur+uint64(i)); err != nil {
			return "", false, err
		}
		if b[0] == 0 {
			return string(buf), false, nil
		}
		buf = append(buf, b[0])
	}
	// The chunk read failed but every byte of it could be read.
	return "", false, chunkErr
}

// ReadWideString reads a counted UTF-16 string (the Windows
// UNICODE_STRING structure: u16 Length, u16 MaximumLength, then a pointer
// to the buffer, aligned to the pointer size) and returns its raw bytes.
func (m *Mem) ReadWideString(addr uint64) ([]byte, error) {
	n, err := m.ReadU16(addr)
	if err != nil {
		return nil, err
	}
	bufAddr, err := m.ReadPointer(addr + uint64(m.PtrSize()))
	if err != nil {
		return nil, err
	}
	length := int(n)
	if length == 0 {
		return []byte{}, nil
	}
	if bufAddr == 0 {
		return nil, &ReadError{Addr: bufAddr, Size: length, Err: fmt.Errorf("null string buffer")}
	}
	return m.ReadBytes(bufAddr, length)
}

// Pause pauses the guest. Pausing an already paused guest fails with
// ErrBusy.
func (m *Mem) Pause() error {
	if *m.paused {
		return ErrBusy
	}
	if err := m.p.Pause(); err != nil {
		return err
	}
	*m.paused = true
	return nil
}

// Paused reports whether the guest was paused through this facade.
func (m *Mem) Paused() bool {
	return *m.paused
}

// Resume resumes the guest. Resuming a running guest is a no-op; errors
// returned by the provider are logged and discarded.
func (m *Mem) Resume() {
	if !*m.paused {
		return
	}
	*m.paused = false
	if err := m.p.Resume(); err != nil {
		m.log.Warnf("resume: %v", err)
	}
}
