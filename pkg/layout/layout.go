// Package layout holds the structure layouts used to decode kernel
// objects: for every (operating system, paging mode, structure kind) a
// table of field offsets relative to the base address of the object.
//
// Layouts are configuration data. The registry never computes offsets, it
// only selects among the rows it was given.
package layout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-delve/kwalk/pkg/vmi"
)

// Kind names a kernel structure.
type Kind string

const (
	Task          Kind = "task"
	Cred          Kind = "cred"
	Module        Kind = "module"
	Files         Kind = "files"
	FDTable       Kind = "fdtable"
	File          Kind = "file"
	Path          Kind = "path"
	Dentry        Kind = "dentry"
	TTYDriver     Kind = "tty_driver"
	TTYStruct     Kind = "tty_struct"
	TTYLdisc      Kind = "tty_ldisc"
	TTYLdiscOps   Kind = "tty_ldisc_ops"
	Net           Kind = "net"
	NetnsNF       Kind = "netns_nf"
	NFHookEntries Kind = "nf_hook_entries"
	NFHookEntry   Kind = "nf_hook_entry"
	NotifierHead  Kind = "notifier_head"
	NotifierBlock Kind = "notifier_block"
	SeqAfinfo     Kind = "seq_afinfo"
	SeqOperations Kind = "seq_operations"
	ProcDirEntry  Kind = "proc_dir_entry"
	FileOps       Kind = "file_operations"
	LdrEntry      Kind = "ldr_data_table_entry"
	EProcess      Kind = "eprocess"
	Proc          Kind = "proc"
)

var (
	// ErrUnsupported is matched by every UnsupportedError.
	ErrUnsupported = errors.New("unsupported structure layout")
	// ErrNoField is matched by every FieldError.
	ErrNoField = errors.New("field not in layout")
)

// UnsupportedError is returned by Lookup when no row describes the
// requested structure.
type UnsupportedError struct {
	OS     vmi.OSKind
	Paging vmi.PageMode
	Kind   Kind
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("no layout for %s on %s/%s", e.Kind, e.OS, e.Paging)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// FieldError is returned when a layout lacks a field.
type FieldError struct {
	Kind  Kind
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("layout %s has no field %q (supply it with --layouts or a kernel profile)", e.Kind, e.Field)
}

func (e *FieldError) Is(target error) bool { return target == ErrNoField }

// Layout maps field names to byte offsets for one structure kind.
type Layout struct {
	Kind   Kind
	OS     vmi.OSKind
	Fields map[string]uint64
}

// Offset returns the offset of field.
func (l *Layout) Offset(field string) (uint64, error) {
	if l == nil {
		return 0, &FieldError{Field: field}
	}
	off, ok := l.Fields[field]
	if !ok {
		return 0, &FieldError{Kind: l.Kind, Field: field}
	}
	return off, nil
}

// MustOffset is like Offset but panics if the field is missing. It is
// meant for fields checked with Require.
func (l *Layout) MustOffset(field string) uint64 {
	off, err := l.Offset(field)
	if err != nil {
		panic(err)
	}
	return off
}

// Require returns an error if any of the fields is missing.
func (l *Layout) Require(fields ...string) error {
	for _, f := range fields {
		if _, err := l.Offset(f); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layout) String() string {
	names := make([]string, 0, len(l.Fields))
	for name := range l.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "%s{", l.Kind)
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %#x", name, l.Fields[name])
	}
	b.WriteString("}")
	return b.String()
}
