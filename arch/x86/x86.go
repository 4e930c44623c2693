// Package x86 implements the x86 (32-bit) and x86-64 architectures.
//
// Register names follow golang.org/x/arch/x86/x86asm (e.g. EAX, R8L, SPB).
package x86

import (
	"encoding/binary"
	"encoding/hex"
	"log"
	"os"

	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func init() {
	arch.RegisterArch("x86", func() arch.Arch { return New(32) })
	arch.RegisterArch("amd64", func() arch.Arch { return New(64) })
	arch.RegisterArch("x86_64", func() arch.Arch { return New(64) })
}

// ModeContext is the name of the context register selecting the processor
// mode (16, 32 or 64-bit) used for decoding.
const ModeContext = "MODE"

// Flag register names.
var flags = []string{"CF", "PF", "ZF", "SF", "OF", "DF"}

// Arch is the x86 architecture in 32-bit or 64-bit mode.
type Arch struct {
	// Processor mode (32 or 64).
	mode int
	// Registers of the architecture.
	regs []arch.Register
}

// New returns the x86 architecture in the given processor mode (32 or 64).
func New(mode int) *Arch {
	a := &Arch{mode: mode}
	a.regs = registers(mode)
	return a
}

// Name returns the name of the architecture.
func (a *Arch) Name() string {
	if a.mode == 64 {
		return "amd64"
	}
	return "x86"
}

// AddressSize returns the size of addresses in number of bits.
func (a *Arch) AddressSize() uint64 {
	return uint64(a.mode)
}

// MaxInstSize returns the maximum size of an instruction in bytes.
func (a *Arch) MaxInstSize() int {
	return 15
}

// ByteOrder returns the byte order of memory accesses.
func (a *Arch) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

// Registers returns the registers of the architecture.
func (a *Arch) Registers() []arch.Register {
	return a.regs
}

// StackPointer returns the name of the stack pointer register.
func (a *Arch) StackPointer() string {
	if a.mode == 64 {
		return "RSP"
	}
	return "ESP"
}

// InitialContext returns the initial context register assignments used for
// decoding.
func (a *Arch) InitialContext() map[string]uint64 {
	return map[string]uint64{ModeContext: uint64(a.mode)}
}

// Decode decodes the leading bytes of src as a single instruction at addr.
func (a *Arch) Decode(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	mode := int(arch.Mode(ctx, ModeContext, uint64(a.mode)))
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		end := 16
		if end > len(src) {
			end = len(src)
		}
		dbg.Printf("unable to decode instruction at %v:\n%s", addr, hex.Dump(src[:end]))
		return nil, errors.Errorf("unable to decode instruction at address %v; %v", addr, err)
	}
	i := &arch.Inst{
		Addr:  addr,
		Bytes: append([]byte(nil), src[:inst.Len]...),
		Text:  x86asm.IntelSyntax(inst, uint64(addr), nil),
		Raw:   inst,
	}
	next := i.Next()
	i.BranchNotTakenPC = next
	switch {
	case inst.Op == x86asm.JMP:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			i.Flow = arch.FlowDirectJump
			i.BranchTakenPC = relTarget(next, rel, a.mode)
		} else {
			i.Flow = arch.FlowIndirectJump
		}
	case isCondJump(inst.Op):
		i.Flow = arch.FlowCondJump
		i.Conditional = true
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			i.BranchTakenPC = relTarget(next, rel, a.mode)
		}
	case inst.Op == x86asm.CALL:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			i.Flow = arch.FlowDirectCall
			i.BranchTakenPC = relTarget(next, rel, a.mode)
		} else {
			i.Flow = arch.FlowIndirectCall
		}
	case inst.Op == x86asm.RET:
		i.Flow = arch.FlowReturn
	case inst.Op == x86asm.UD1 || inst.Op == x86asm.UD2 || inst.Op == x86asm.HLT:
		i.Flow = arch.FlowInvalid
	}
	return i, nil
}

// DecodeDelayed decodes the leading bytes of src as a single instruction at
// addr. x86 has no delay slots.
func (a *Arch) DecodeDelayed(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	return nil, errors.Errorf("invalid delay slot at %v; x86 has no delay slots", addr)
}

// FinishCall pops the return address pushed by the call.
func (a *Arch) FinishCall(e *arch.Emitter) {
	sp := a.StackPointer()
	e.WriteReg(sp, e.Block.NewAdd(e.ReadReg(sp), e.Addr(e.AddrBits()/8)))
}

// InitReturnAddress stores the return address to the top of the stack.
func (a *Arch) InitReturnAddress(e *arch.Emitter, ra value.Value) {
	e.WriteMem(e.ReadReg(a.StackPointer()), ra)
}

// IsStructReturnMarker always returns false; x86 has no structure return size
// markers.
func (a *Arch) IsStructReturnMarker(word []byte) bool {
	return false
}

// ### [ Helper functions ] ####################################################

// relTarget returns the target address of a relative branch.
func relTarget(next bin.Addr, rel x86asm.Rel, mode int) bin.Addr {
	return (next + bin.Addr(int64(rel))).Mask(uint64(mode))
}

// isCondJump reports whether the given instruction opcode is a conditional
// jump.
func isCondJump(op x86asm.Op) bool {
	switch op {
	// Loop terminators.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	// Conditional jump terminators.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	}
	return false
}

// registers returns the registers of the x86 architecture in the given
// processor mode.
func registers(mode int) []arch.Register {
	var regs []arch.Register
	ngpr := 8
	full := x86asm.EAX
	fullBits := uint64(32)
	if mode == 64 {
		ngpr = 16
		full = x86asm.RAX
		fullBits = 64
	}
	// Full general purpose registers.
	for i := 0; i < ngpr; i++ {
		regs = append(regs, arch.Register{Name: (full + x86asm.Reg(i)).String(), Bits: fullBits})
	}
	for _, flag := range flags {
		regs = append(regs, arch.Register{Name: flag, Bits: 1})
	}
	// Sub-registers.
	for i := 0; i < ngpr; i++ {
		parent := (full + x86asm.Reg(i)).String()
		if mode == 64 {
			regs = append(regs, arch.Register{Name: (x86asm.EAX + x86asm.Reg(i)).String(), Bits: 32, Parent: parent})
		}
		regs = append(regs, arch.Register{Name: (x86asm.AX + x86asm.Reg(i)).String(), Bits: 16, Parent: parent})
		if i < 4 {
			regs = append(regs, arch.Register{Name: (x86asm.AL + x86asm.Reg(i)).String(), Bits: 8, Parent: parent})
			regs = append(regs, arch.Register{Name: (x86asm.AH + x86asm.Reg(i)).String(), Bits: 8, Parent: parent, Shift: 8})
		} else if mode == 64 {
			// SPB, BPB, SIB, DIB and R8B through R15B.
			regs = append(regs, arch.Register{Name: (x86asm.AL + x86asm.Reg(i+4)).String(), Bits: 8, Parent: parent})
		}
	}
	return regs
}

// gpr returns the register name of the enclosing full register of r, and
// reports whether r is a general purpose register.
func (a *Arch) gpr(r x86asm.Reg) (string, bool) {
	var i int
	switch {
	case x86asm.AL <= r && r <= x86asm.BL:
		i = int(r - x86asm.AL)
	case x86asm.AH <= r && r <= x86asm.BH:
		i = int(r - x86asm.AH)
	case x86asm.SPB <= r && r <= x86asm.R15B:
		i = int(r-x86asm.SPB) + 4
	case x86asm.AX <= r && r <= x86asm.R15W:
		i = int(r - x86asm.AX)
	case x86asm.EAX <= r && r <= x86asm.R15L:
		i = int(r - x86asm.EAX)
	case x86asm.RAX <= r && r <= x86asm.R15:
		i = int(r - x86asm.RAX)
	default:
		return "", false
	}
	if a.mode == 64 {
		return (x86asm.RAX + x86asm.Reg(i)).String(), true
	}
	return (x86asm.EAX + x86asm.Reg(i)).String(), true
}

// regBits returns the size of the given register in number of bits.
func regBits(r x86asm.Reg) uint64 {
	switch {
	case x86asm.AL <= r && r <= x86asm.R15B:
		return 8
	case x86asm.AX <= r && r <= x86asm.R15W:
		return 16
	case x86asm.EAX <= r && r <= x86asm.R15L:
		return 32
	case x86asm.RAX <= r && r <= x86asm.R15:
		return 64
	case r == x86asm.IP:
		return 16
	case r == x86asm.EIP:
		return 32
	case r == x86asm.RIP:
		return 64
	}
	return 0
}
