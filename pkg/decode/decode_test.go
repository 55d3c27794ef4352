package decode_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-delve/kwalk/pkg/decode"
	"github.com/go-delve/kwalk/pkg/layout"
	"github.com/go-delve/kwalk/pkg/vmi"
	"github.com/go-delve/kwalk/pkg/vmi/vmitest"
	"github.com/go-delve/kwalk/pkg/walk"
)

var testLayout = &layout.Layout{
	Kind: "test",
	Fields: map[string]uint64{
		"ptr":   0,
		"null":  8,
		"u16":   16,
		"u32":   20,
		"u64":   24,
		"name":  32,
		"ref":   64,
		"wide":  72,
		"bad":   88,
		"odd":   104,
		"code":  120,
		"trunc": 128,
		"mixed": 136,
		"repl":  152,
	},
}

func setup(t *testing.T) (*vmitest.Guest, walk.Object) {
	g := vmitest.NewGuest(vmi.OSLinux, vmi.PagingIA32E)
	const base = 0x10000
	g.PutPtr(base+0, 0xffffffffc0001000)
	g.PutPtr(base+8, 0)
	g.PutU16(base+16, 0xbeef)
	g.PutU32(base+20, 0xdeadbeef)
	g.PutU64(base+24, 0x0123456789abcdef)
	g.PutCString(base+32, "ext4")
	g.PutPtr(base+64, 0x20000)
	g.PutCString(0x20000, "pty_master")
	g.PutWideString(base+72, 0x21000, "hal.dll")
	// Unpaired high surrogate.
	g.PutRawWideString(base+88, 0x22000, []byte{0x00, 0xd8, 'a', 0})
	g.PutRawWideString(base+104, 0x23000, []byte{'a', 0, 'b'})
	// U+FFFD followed by an unpaired high surrogate.
	g.PutRawWideString(base+136, 0x24000, []byte{0xfd, 0xff, 0x00, 0xd8})
	g.PutRawWideString(base+152, 0x25000, []byte{0xfd, 0xff, 'a', 0})
	g.PutPtr(base+120, 0x30000)
	// jmp rel32 to 0x30000+5+0x100
	g.Write(0x30000, []byte{0xe9, 0x00, 0x01, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	g.PutPtr(base+128, 0x31fff)
	g.Write(0x31fff, []byte{0xe9})
	return g, walk.Object{Addr: base, Layout: testLayout}
}

func TestDecode(t *testing.T) {
	g, obj := setup(t)
	d := decode.New(g.Mem(), 0)
	tests := []struct {
		field string
		kind  decode.Kind
		want  string
	}{
		{"ptr", decode.Address, "0xffffffffc0001000"},
		{"null", decode.Address, "(null)"},
		{"u16", decode.U16, "48879"},
		{"u32", decode.U32, "3735928559"},
		{"u64", decode.U64, "81985529216486895"},
		{"name", decode.CString, "ext4"},
		{"ref", decode.CStringRef, "pty_master"},
		{"null", decode.CStringRef, "(null)"},
		{"wide", decode.WideString, "hal.dll"},
		{"repl", decode.WideString, "\ufffda"},
		{"null", decode.Instruction, "(null)"},
	}
	for _, tc := range tests {
		t.Run(tc.field+"/"+tc.kind.String(), func(t *testing.T) {
			v, err := d.Decode(obj, tc.field, tc.kind)
			if err != nil {
				t.Fatal(err)
			}
			if got := v.String(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeInstruction(t *testing.T) {
	g, obj := setup(t)
	v, err := decode.New(g.Mem(), 0).Decode(obj, "code", decode.Instruction)
	if err != nil {
		t.Fatal(err)
	}
	if v.Inst.Kind != decode.JmpInstruction || !v.Inst.Redirects() || v.Inst.Dest != 0x30105 || len(v.Inst.Bytes) != 5 || !strings.HasPrefix(v.Inst.Text, "jmp") {
		t.Errorf("bad instruction %+v", v.Inst)
	}
	_, err = decode.New(g.Mem(), 0).Decode(obj, "trunc", decode.Instruction)
	if !errors.Is(err, decode.ErrEncoding) {
		t.Errorf("truncated instruction: %v", err)
	}
}

func TestDecodeErrorsAreDistinct(t *testing.T) {
	g, obj := setup(t)
	d := decode.New(g.Mem(), 0)

	for _, field := range []string{"bad", "odd", "mixed"} {
		_, err := d.Decode(obj, field, decode.WideString)
		var eerr *decode.EncodingError
		if !errors.As(err, &eerr) || errors.Is(err, vmi.ErrUnreadable) {
			t.Errorf("%s: expected encoding error, got %v", field, err)
		}
	}

	g.Fault(obj.Addr+20, 4)
	_, err := d.Decode(obj, "u32", decode.U32)
	if !errors.Is(err, vmi.ErrUnreadable) || errors.Is(err, decode.ErrEncoding) {
		t.Errorf("expected unreadable, got %v", err)
	}

	_, err = d.Decode(obj, "nosuchfield", decode.U32)
	if !errors.Is(err, layout.ErrNoField) {
		t.Errorf("expected missing field, got %v", err)
	}

	// Other fields are still readable.
	if v, err := d.Decode(obj, "u16", decode.U16); err != nil || v.U != 0xbeef {
		t.Errorf("%v %v", v, err)
	}
}

func TestDecodeStringBound(t *testing.T) {
	g, obj := setup(t)
	g.PutCString(obj.Addr+32, strings.Repeat("x", 40))
	v, err := decode.New(g.Mem(), 16).Decode(obj, "name", decode.CString)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Str) != 16 || !v.Truncated {
		t.Errorf("got %q truncated=%v", v.Str, v.Truncated)
	}
}

func TestFollow(t *testing.T) {
	g, obj := setup(t)
	d := decode.New(g.Mem(), 0)
	target := &layout.Layout{Kind: "target"}
	o, ok, err := d.Follow(obj, "ref", target)
	if err != nil || !ok || o.Addr != 0x20000 || o.Layout != target {
		t.Errorf("follow ref: %+v %v %v", o, ok, err)
	}
	_, ok, err = d.Follow(obj, "null", target)
	if err != nil || ok {
		t.Errorf("follow null: %v %v", ok, err)
	}
}
