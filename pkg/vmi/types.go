package vmi

import (
	"fmt"
	"strings"
)

// AddressSpace selects the page-table context a virtual address is
// translated in. KernelSpace is the context used to walk kernel objects.
type AddressSpace uint64

// KernelSpace is the kernel/default translation context.
const KernelSpace AddressSpace = 0

// OSKind is the guest operating system family.
type OSKind uint8

const (
	OSUnknown OSKind = iota
	OSLinux
	OSWindows
	OSFreeBSD
)

func (k OSKind) String() string {
	switch k {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	case OSFreeBSD:
		return "freebsd"
	default:
		return "unknown"
	}
}

// ParseOSKind is the inverse of OSKind.String.
func ParseOSKind(s string) (OSKind, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "windows":
		return OSWindows, nil
	case "freebsd":
		return OSFreeBSD, nil
	}
	return OSUnknown, fmt.Errorf("unknown operating system %q", s)
}

// PageMode is the address translation mode of the guest CPU.
type PageMode uint8

const (
	PagingUnknown PageMode = iota
	PagingLegacy           // 32-bit, no PAE
	PagingPAE              // 32-bit with physical address extension
	PagingIA32E            // x86-64 long mode
	PagingAArch64
)

func (m PageMode) String() string {
	switch m {
	case PagingLegacy:
		return "legacy"
	case PagingPAE:
		return "pae"
	case PagingIA32E:
		return "ia32e"
	case PagingAArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// ParsePageMode is the inverse of PageMode.String.
func ParsePageMode(s string) (PageMode, error) {
	switch strings.ToLower(s) {
	case "legacy", "32", "x86":
		return PagingLegacy, nil
	case "pae":
		return PagingPAE, nil
	case "ia32e", "64", "amd64", "x86_64":
		return PagingIA32E, nil
	case "aarch64", "arm64":
		return PagingAArch64, nil
	}
	return PagingUnknown, fmt.Errorf("unknown paging mode %q", s)
}

// Is64 reports whether guest pointers are 8 bytes wide in this mode.
func (m PageMode) Is64() bool {
	return m == PagingIA32E || m == PagingAArch64
}

// AccessMode describes what kind of guest the provider is attached to.
type AccessMode uint8

const (
	AccessLive AccessMode = iota
	AccessFile
)

func (a AccessMode) String() string {
	if a == AccessFile {
		return "file"
	}
	return "live"
}

// Descriptor is the address space descriptor of a guest. It is fetched
// once per session and must not change while the session is alive.
type Descriptor struct {
	OS     OSKind
	Paging PageMode
}

// PtrSize returns the size of a guest pointer in bytes.
func (d Descriptor) PtrSize() int {
	if d.Paging.Is64() {
		return 8
	}
	return 4
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s", d.OS, d.Paging)
}
