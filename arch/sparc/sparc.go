// Package sparc implements the 32-bit SPARC V8 architecture.
package sparc

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "sparc:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("sparc:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func init() {
	arch.RegisterArch("sparc", func() arch.Arch { return New() })
	arch.RegisterArch("sparc32", func() arch.Arch { return New() })
}

// Arch is the SPARC V8 architecture.
type Arch struct {
	regs []arch.Register
}

// New returns the SPARC V8 architecture.
func New() *Arch {
	a := &Arch{}
	for n := uint32(0); n < 32; n++ {
		a.regs = append(a.regs, arch.Register{Name: regName(n), Bits: 32})
	}
	a.regs = append(a.regs, arch.Register{Name: "Y", Bits: 32})
	for _, flag := range []string{"N", "Z", "V", "C"} {
		a.regs = append(a.regs, arch.Register{Name: flag, Bits: 1})
	}
	// Aliases of the stack and frame pointer.
	a.regs = append(a.regs, arch.Register{Name: "SP", Bits: 32, Parent: "O6"})
	a.regs = append(a.regs, arch.Register{Name: "FP", Bits: 32, Parent: "I6"})
	return a
}

// Name returns the name of the architecture.
func (a *Arch) Name() string { return "sparc" }

// AddressSize returns the size of addresses in number of bits.
func (a *Arch) AddressSize() uint64 { return 32 }

// MaxInstSize returns the maximum size of an instruction in bytes.
func (a *Arch) MaxInstSize() int { return 4 }

// ByteOrder returns the byte order of memory accesses.
func (a *Arch) ByteOrder() binary.ByteOrder { return binary.BigEndian }

// Registers returns the registers of the architecture.
func (a *Arch) Registers() []arch.Register { return a.regs }

// StackPointer returns the name of the stack pointer register.
func (a *Arch) StackPointer() string { return "O6" }

// InitialContext returns the initial context register assignments used for
// decoding; SPARC V8 has no decoding modes.
func (a *Arch) InitialContext() map[string]uint64 {
	return map[string]uint64{}
}

// Decode decodes the leading bytes of src as a single instruction at addr.
func (a *Arch) Decode(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	return a.decode(addr, src, false)
}

// DecodeDelayed decodes the leading bytes of src as a single instruction at
// addr, located in the delay slot of a control transfer instruction.
func (a *Arch) DecodeDelayed(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	return a.decode(addr, src, true)
}

// FinishCall is a no-op; the return address is passed in %o7.
func (a *Arch) FinishCall(e *arch.Emitter) {}

// InitReturnAddress stores the return address to %o7, which holds the address
// of the call instruction; functions return to %o7+8.
func (a *Arch) InitReturnAddress(e *arch.Emitter, ra value.Value) {
	e.WriteReg("O7", e.Block.NewSub(e.Resize(ra, 32), e.Const(32, 8)))
}

// IsStructReturnMarker reports whether the given instruction word is an
// UNIMP instruction, placed after calls to functions returning structures by
// value; both the op and op2 fields are zero and imm22 holds the size of the
// returned structure.
func (a *Arch) IsStructReturnMarker(word []byte) bool {
	if len(word) < 4 {
		return false
	}
	w := binary.BigEndian.Uint32(word)
	return w>>30 == 0 && (w>>22)&0x7 == 0
}

// decode decodes the leading bytes of src as a single instruction at addr.
func (a *Arch) decode(addr bin.Addr, src []byte, delayed bool) (*arch.Inst, error) {
	if len(src) < 4 {
		return nil, errors.Errorf("unable to decode instruction at address %v; truncated instruction (%d bytes)", addr, len(src))
	}
	if addr%4 != 0 {
		return nil, errors.Errorf("unable to decode instruction at address %v; misaligned instruction", addr)
	}
	w := word(binary.BigEndian.Uint32(src))
	i := &arch.Inst{
		Addr:             addr,
		Bytes:            append([]byte(nil), src[:4]...),
		Raw:              w,
		BranchNotTakenPC: addr + 4,
	}
	pc := uint32(addr)
	switch w.op() {
	case 0:
		switch w.op2() {
		case 0:
			i.Flow = arch.FlowInvalid
			i.Text = fmt.Sprintf("unimp 0x%X", w.imm22())
		case 2:
			cond := w.cond()
			i.HasDelaySlot = true
			i.Annul = w.annul()
			i.BranchNotTakenPC = addr + 8
			i.BranchTakenPC = bin.Addr(pc + uint32(w.disp22()*4))
			switch cond {
			case condAlways:
				i.Flow = arch.FlowDirectJump
			case condNever:
				i.Flow = arch.FlowNormal
			default:
				i.Flow = arch.FlowCondJump
				i.Conditional = true
			}
			mnemonic := "b" + condNames[cond]
			if i.Annul {
				mnemonic += ",a"
			}
			i.Text = fmt.Sprintf("%s %v", mnemonic, i.BranchTakenPC)
		case 4:
			if w.rd() == 0 && w.imm22() == 0 {
				i.Text = "nop"
			} else {
				i.Text = fmt.Sprintf("sethi %%hi(0x%X), %%%s", w.imm22()<<10, regName(w.rd()))
			}
		case 6, 7:
			// FBfcc and CBccc.
			i.HasDelaySlot = true
			i.Annul = w.annul()
			i.BranchNotTakenPC = addr + 8
			i.BranchTakenPC = bin.Addr(pc + uint32(w.disp22()*4))
			i.Flow = arch.FlowInvalid
			i.Text = fmt.Sprintf("fbfcc/cbccc %v", i.BranchTakenPC)
		default:
			return nil, errors.Errorf("unable to decode instruction at address %v; invalid op2 %d of instruction 0x%08X", addr, w.op2(), uint32(w))
		}
	case 1:
		i.Flow = arch.FlowDirectCall
		i.HasDelaySlot = true
		i.BranchNotTakenPC = addr + 8
		i.BranchTakenPC = bin.Addr(pc + uint32(w.disp30()*4))
		i.Text = fmt.Sprintf("call %v", i.BranchTakenPC)
	case 2:
		i.Text = fmt.Sprintf("%s %s", op3Names2[w.op3()], w.operands())
		if w.op3() == op3JMPL {
			i.HasDelaySlot = true
			i.BranchNotTakenPC = addr + 8
			switch {
			case w.rd() == regG0 && w.imm() && w.simm13() == 8 && (w.rs1() == regI7 || w.rs1() == regO7):
				i.Flow = arch.FlowReturn
				if w.rs1() == regI7 {
					i.Text = "ret"
				} else {
					i.Text = "retl"
				}
			case w.rd() == regO7:
				i.Flow = arch.FlowIndirectCall
			default:
				i.Flow = arch.FlowIndirectJump
			}
		}
	case 3:
		i.Text = fmt.Sprintf("%s %s", op3Names3[w.op3()], w.operands())
	}
	if i.Text == "" || i.Text[0] == ' ' {
		i.Text = fmt.Sprintf(".word 0x%08X", uint32(w))
	}
	if delayed && i.HasDelaySlot {
		return nil, errors.Errorf("unable to decode instruction at address %v; control transfer instruction %q in delay slot", addr, i.Text)
	}
	return i, nil
}

// ### [ Instruction encoding ] ################################################

// word is a SPARC instruction word.
type word uint32

// Register numbers.
const (
	regG0 = 0
	regO6 = 14
	regO7 = 15
	regI6 = 30
	regI7 = 31
)

// Condition codes of Bicc.
const (
	condNever  = 0
	condAlways = 8
)

// Format 3 op3 opcodes.
const (
	op3JMPL    = 0x38
	op3SAVE    = 0x3C
	op3RESTORE = 0x3D
)

func (w word) op() uint32     { return uint32(w) >> 30 }
func (w word) op2() uint32    { return (uint32(w) >> 22) & 0x7 }
func (w word) op3() uint32    { return (uint32(w) >> 19) & 0x3F }
func (w word) rd() uint32     { return (uint32(w) >> 25) & 0x1F }
func (w word) rs1() uint32    { return (uint32(w) >> 14) & 0x1F }
func (w word) rs2() uint32    { return uint32(w) & 0x1F }
func (w word) imm() bool      { return (uint32(w)>>13)&1 == 1 }
func (w word) annul() bool    { return (uint32(w)>>29)&1 == 1 }
func (w word) cond() uint32   { return (uint32(w) >> 25) & 0xF }
func (w word) imm22() uint32  { return uint32(w) & 0x3FFFFF }
func (w word) simm13() int32  { return int32(uint32(w)<<19) >> 19 }
func (w word) disp22() int32  { return int32(uint32(w)<<10) >> 10 }
func (w word) disp30() int32  { return int32(uint32(w)<<2) >> 2 }
func (w word) shcnt() uint32  { return uint32(w) & 0x1F }
func (w word) asi() uint32    { return (uint32(w) >> 5) & 0xFF }
func (w word) String() string { return fmt.Sprintf("0x%08X", uint32(w)) }

// operands returns the textual representation of the format 3 operands.
func (w word) operands() string {
	if w.imm() {
		return fmt.Sprintf("%%%s, %d, %%%s", regName(w.rs1()), w.simm13(), regName(w.rd()))
	}
	return fmt.Sprintf("%%%s, %%%s, %%%s", regName(w.rs1()), regName(w.rs2()), regName(w.rd()))
}

// regName returns the name of the given integer register.
func regName(n uint32) string {
	return fmt.Sprintf("%c%d", "GOLI"[n/8], n%8)
}

// condNames maps from Bicc condition code to mnemonic suffix.
var condNames = [16]string{
	"n", "e", "le", "l", "leu", "cs", "neg", "vs",
	"a", "ne", "g", "ge", "gu", "cc", "pos", "vc",
}

// op3Names2 maps from op3 to mnemonic of arithmetic instructions (op = 2).
var op3Names2 = map[uint32]string{
	0x00: "add", 0x01: "and", 0x02: "or", 0x03: "xor", 0x04: "sub", 0x05: "andn",
	0x06: "orn", 0x07: "xnor", 0x0A: "umul", 0x0B: "smul", 0x10: "addcc",
	0x11: "andcc", 0x12: "orcc", 0x13: "xorcc", 0x14: "subcc", 0x15: "andncc",
	0x16: "orncc", 0x17: "xnorcc", 0x25: "sll", 0x26: "srl", 0x27: "sra",
	0x28: "rd", 0x30: "wr", 0x38: "jmpl", 0x39: "rett", 0x3A: "ticc",
	0x3C: "save", 0x3D: "restore",
}

// op3Names3 maps from op3 to mnemonic of memory instructions (op = 3).
var op3Names3 = map[uint32]string{
	0x00: "ld", 0x01: "ldub", 0x02: "lduh", 0x03: "ldd", 0x04: "st", 0x05: "stb",
	0x06: "sth", 0x07: "std", 0x09: "ldsb", 0x0A: "ldsh",
}
