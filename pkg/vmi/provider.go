package vmi

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryReader reads guest virtual memory in a given translation context.
// It is like io.ReaderAt but the offset is a guest virtual address.
type MemoryReader interface {
	ReadVA(buf []byte, addr uint64, as AddressSpace) (n int, err error)
}

// Provider is the capability a VMI backend gives to kwalk: read access to
// the memory of an attached guest and control over its execution state.
// Providers never need to support writes.
type Provider interface {
	MemoryReader

	// TranslateKernelSymbol returns the virtual address of a kernel symbol.
	TranslateKernelSymbol(name string) (uint64, error)
	// OSType returns the guest operating system.
	OSType() OSKind
	// PageMode returns the paging mode used by the given context.
	PageMode(as AddressSpace) (PageMode, error)
	// AccessMode reports whether the guest is a live VM or a file.
	AccessMode() AccessMode

	// Pause stops the vCPUs of the guest.
	Pause() error
	// Resume restarts the vCPUs of the guest. Resuming a running guest
	// must not fail.
	Resume() error
	// Destroy releases the provider, detaching from the guest.
	Destroy() error

	// Name returns the domain name or file name of the guest.
	Name() string
	// ID returns the domain id of a live guest, zero for files.
	ID() uint64
}

// OffsetSource is implemented by providers that carry a kernel profile
// with named structure offsets (e.g. "linux_tasks").
type OffsetSource interface {
	KernelOffset(name string) (uint64, error)
}

// Target identifies the guest to attach to.
type Target struct {
	// Name is the domain name of a live guest.
	Name string
	// DomID is the domain id of a live guest, used when Name is empty.
	DomID uint64
	// File is the path of a memory snapshot descriptor.
	File string
	// Backend forces a specific backend.
	Backend string
	// InitData is a backend specific initialization parameter, for example
	// the path of a KVMi socket. Empty means none.
	InitData string
}

func (t Target) String() string {
	switch {
	case t.File != "":
		return "file " + t.File
	case t.Name != "":
		return "domain " + t.Name
	default:
		return fmt.Sprintf("domain id %d", t.DomID)
	}
}

// OpenFunc attaches a backend to a target.
type OpenFunc func(Target) (Provider, error)

var (
	backendsMu sync.Mutex
	backends   = map[string]OpenFunc{}
)

// FileBackend is the name of the backend used for targets with File set.
const FileBackend = "snapshot"

// RegisterBackend makes a backend available to Attach.
func RegisterBackend(name string, fn OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = fn
}

// Backends returns the names of the registered backends.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	r := make([]string, 0, len(backends))
	for name := range backends {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// Attach opens the target with the selected backend. Targets with a File
// use FileBackend unless Backend says otherwise; live targets need an
// explicitly registered backend.
func Attach(t Target) (Provider, error) {
	name := t.Backend
	if name == "" || name == "default" {
		if t.File == "" {
			return nil, fmt.Errorf("%w: %s (select one with --backend, available: %v)", ErrNoBackend, t, Backends())
		}
		name = FileBackend
	}
	backendsMu.Lock()
	fn := backends[name]
	backendsMu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNoBackend, name)
	}
	return fn(t)
}
