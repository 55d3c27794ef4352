package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the length of the longest x86 instruction.
const maxInstLen = 15

// InstKind classifies decoded instructions.
type InstKind uint8

const (
	OtherInstruction InstKind = iota
	JmpInstruction
	CallInstruction
	RetInstruction
	HardBreakInstruction
)

// Inst is the first instruction of a function.
type Inst struct {
	PC    uint64
	Bytes []byte
	Kind  InstKind
	// Dest is the target of relative jumps and calls, zero otherwise.
	Dest uint64
	Text string
}

// Redirects reports whether the instruction transfers control elsewhere
// right away, as inline hooks do.
func (inst *Inst) Redirects() bool {
	return inst.Kind == JmpInstruction || inst.Kind == HardBreakInstruction
}

func (d *Decoder) decodeInst(pc uint64) (*Inst, error) {
	n := maxInstLen
	mem, err := d.mem.ReadBytes(pc, n)
	if err != nil {
		// Code at the end of a mapped page.
		if rem := int(0x1000 - pc%0x1000); rem < n {
			mem, err = d.mem.ReadBytes(pc, rem)
		}
		if err != nil {
			return nil, err
		}
	}
	bits := 64
	if d.mem.PtrSize() == 4 {
		bits = 32
	}
	inst, err := x86asm.Decode(mem, bits)
	if err == nil && inst.Op == 0 {
		// Truncated instructions decode as a bare prefix.
		err = fmt.Errorf("no opcode in % x", mem[:inst.Len])
	}
	if err != nil {
		return nil, &EncodingError{Addr: pc, Kind: Instruction, Err: err}
	}
	r := &Inst{PC: pc, Bytes: mem[:inst.Len], Kind: OtherInstruction}
	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		r.Kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		r.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		r.Kind = RetInstruction
	case x86asm.INT:
		r.Kind = HardBreakInstruction
	}
	if rel, isrel := inst.Args[0].(x86asm.Rel); isrel {
		r.Dest = uint64(int64(pc) + int64(rel) + int64(inst.Len))
	}
	r.Text = x86asm.IntelSyntax(inst, pc, nil)
	return r, nil
}
