package vmi

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreadable is matched by every ReadError.
	ErrUnreadable = errors.New("unreadable memory")

	// ErrSymbolNotFound is matched by every SymbolNotFoundError.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrNoBackend is returned by Attach when no backend can serve the target.
	ErrNoBackend = errors.New("no VMI backend available for target")

	// ErrBusy is returned when pausing a guest that is already paused.
	ErrBusy = errors.New("guest already paused")

	// ErrNoOffset is returned by OffsetSource implementations for unknown
	// profile offsets.
	ErrNoOffset = errors.New("offset not present in kernel profile")
)

// ReadError is returned when the guest memory at Addr could not be read.
type ReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *ReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not read %d bytes at %#x", e.Size, e.Addr)
	}
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrUnreadable }

// SymbolNotFoundError is returned when a kernel symbol can not be
// translated to a virtual address.
type SymbolNotFoundError struct {
	Name string
	Err  error
}

func (e *SymbolNotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kernel symbol %q not found", e.Name)
	}
	return fmt.Sprintf("kernel symbol %q not found: %v", e.Name, e.Err)
}

func (e *SymbolNotFoundError) Unwrap() error { return e.Err }

func (e *SymbolNotFoundError) Is(target error) bool { return target == ErrSymbolNotFound }
