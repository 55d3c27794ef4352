// Package decode reads typed fields of kernel objects.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"

	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/walk"
)

// Kind is the type a field is decoded as.
type Kind uint8

const (
	// Address is a guest pointer. A zero pointer decodes to a Null value.
	Address Kind = iota
	U16
	U32
	U64
	// CString is a NUL terminated array of bytes stored in the object.
	CString
	// CStringRef is a pointer to a NUL terminated string.
	CStringRef
	// WideString is a counted UTF-16LE string (UNICODE_STRING) stored in
	// the object.
	WideString
	// Instruction is a code pointer, decoded as the x86 instruction it
	// points to.
	Instruction
)

var kindNames = [...]string{
	Address:     "address",
	U16:         "u16",
	U32:         "u32",
	U64:         "u64",
	CString:     "cstring",
	CStringRef:  "cstring-ref",
	WideString:  "widestring",
	Instruction: "instruction",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// DefaultMaxStringLen is the bound used for strings when the decoder
// has no configured bound.
const DefaultMaxStringLen = 256

// ErrEncoding is matched by every EncodingError.
var ErrEncoding = errors.New("invalid encoding")

// EncodingError is returned when the bytes of a field were read but can
// not be converted to the requested kind.
type EncodingError struct {
	Addr uint64
	Kind Kind
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("could not decode %s at %#x: %v", e.Kind, e.Addr, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Value is a decoded field.
type Value struct {
	Kind Kind
	// Addr is the address the field was read from.
	Addr uint64
	// Null is set for zero pointers. It is a valid result.
	Null bool
	// U holds scalars and pointers.
	U uint64
	// Str holds strings.
	Str string
	// Truncated is set for strings that reached the length bound without
	// a terminator.
	Truncated bool
	// Inst holds decoded instructions.
	Inst *Inst
}

func (v Value) String() string {
	if v.Null {
		return "(null)"
	}
	switch v.Kind {
	case Address:
		return fmt.Sprintf("%#x", v.U)
	case U16, U32, U64:
		return fmt.Sprintf("%d", v.U)
	case CString, CStringRef, WideString:
		if v.Truncated {
			return v.Str + "..."
		}
		return v.Str
	case Instruction:
		return v.Inst.Text
	}
	return "?"
}

// Reader is the memory access used by a Decoder. *vmi.Mem implements it.
type Reader interface {
	walk.Reader
	ReadBytes(addr uint64, n int) ([]byte, error)
	ReadCString(addr uint64, maxLen int) (string, bool, error)
	ReadWideString(addr uint64) ([]byte, error)
}

// Decoder decodes fields of objects.
type Decoder struct {
	mem          Reader
	maxStringLen int
}

// New returns a decoder reading from mem. Strings are read up to
// maxStringLen bytes, DefaultMaxStringLen if maxStringLen is not
// positive.
func New(mem Reader, maxStringLen int) *Decoder {
	if maxStringLen <= 0 {
		maxStringLen = DefaultMaxStringLen
	}
	return &Decoder{mem: mem, maxStringLen: maxStringLen}
}

// Decode decodes a field of obj. Missing fields return a
// *layout.FieldError, unreadable memory a *vmi.ReadError and invalid data
// an *EncodingError. Errors only concern this field.
func (d *Decoder) Decode(obj walk.Object, field string, kind Kind) (Value, error) {
	addr, err := obj.FieldAddr(field)
	if err != nil {
		return Value{}, err
	}
	return d.DecodeAt(addr, kind)
}

// DecodeAt decodes the value stored at addr.
func (d *Decoder) DecodeAt(addr uint64, kind Kind) (Value, error) {
	v := Value{Kind: kind, Addr: addr}
	var err error
	switch kind {
	case Address:
		v.U, err = d.mem.ReadPointer(addr)
		v.Null = err == nil && v.U == 0
	case U16:
		v.U, err = d.mem.ReadScalar(addr, 2)
	case U32:
		v.U, err = d.mem.ReadScalar(addr, 4)
	case U64:
		v.U, err = d.mem.ReadScalar(addr, 8)
	case CString:
		v.Str, v.Truncated, err = d.mem.ReadCString(addr, d.maxStringLen)
	case CStringRef:
		v.U, err = d.mem.ReadPointer(addr)
		if err != nil {
			break
		}
		if v.U == 0 {
			v.Null = true
			break
		}
		v.Str, v.Truncated, err = d.mem.ReadCString(v.U, d.maxStringLen)
	case WideString:
		var raw []byte
		raw, err = d.mem.ReadWideString(addr)
		if err != nil {
			break
		}
		v.Str, err = decodeUTF16(addr, raw)
	case Instruction:
		v.U, err = d.mem.ReadPointer(addr)
		if err != nil {
			break
		}
		if v.U == 0 {
			v.Null = true
			break
		}
		v.Inst, err = d.decodeInst(v.U)
	default:
		err = fmt.Errorf("unknown kind %s", kind)
	}
	if err != nil {
		return Value{Kind: kind, Addr: addr}, err
	}
	return v, nil
}

// Follow dereferences the pointer field of obj and returns the object it
// points to, described by target. A null pointer returns ok == false.
func (d *Decoder) Follow(obj walk.Object, field string, target *layout.Layout) (walk.Object, bool, error) {
	v, err := d.Decode(obj, field, Address)
	if err != nil || v.Null {
		return walk.Object{}, false, err
	}
	return walk.Object{Addr: v.U, Link: v.U, Layout: target}, true, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func decodeUTF16(addr uint64, raw []byte) (string, error) {
	if len(raw)%2 != 0 {
		return "", &EncodingError{Addr: addr, Kind: WideString, Err: fmt.Errorf("odd length %d", len(raw))}
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", &EncodingError{Addr: addr, Kind: WideString, Err: err}
	}
	// The decoder replaces unpaired surrogates instead of failing.
	if off, ok := unpairedSurrogate(raw); ok {
		return "", &EncodingError{Addr: addr, Kind: WideString, Err: fmt.Errorf("unpaired surrogate at byte %d", off)}
	}
	return string(out), nil
}

// unpairedSurrogate returns the byte offset of the first surrogate code
// unit of raw that is not part of a pair.
func unpairedSurrogate(raw []byte) (int, bool) {
	for i := 0; i+1 < len(raw); i += 2 {
		u := rune(binary.LittleEndian.Uint16(raw[i:]))
		if !utf16.IsSurrogate(u) {
			continue
		}
		if u >= 0xdc00 || i+3 >= len(raw) {
			return i, true
		}
		next := rune(binary.LittleEndian.Uint16(raw[i+2:]))
		if next < 0xdc00 || next > 0xdfff {
			return i, true
		}
		i += 2
	}
	return 0, false
}
