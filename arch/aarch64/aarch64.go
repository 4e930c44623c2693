// Package aarch64 implements the AArch64 architecture.
//
// Instructions are validated and disassembled by arm64asm; semantics are
// lifted from the raw 32-bit encodings.
package aarch64

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
	"golang.org/x/arch/arm64/arm64asm"
)

var (
	// dbg is a logger which logs debug messages with "aarch64:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("aarch64:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func init() {
	arch.RegisterArch("aarch64", func() arch.Arch { return New() })
	arch.RegisterArch("arm64", func() arch.Arch { return New() })
}

// Arch is the AArch64 architecture.
type Arch struct {
	regs []arch.Register
}

// New returns the AArch64 architecture.
func New() *Arch {
	a := &Arch{}
	for i := 0; i <= 30; i++ {
		a.regs = append(a.regs, arch.Register{Name: fmt.Sprintf("X%d", i), Bits: 64})
	}
	a.regs = append(a.regs, arch.Register{Name: "SP", Bits: 64})
	for _, flag := range []string{"N", "Z", "C", "V"} {
		a.regs = append(a.regs, arch.Register{Name: flag, Bits: 1})
	}
	for i := 0; i <= 30; i++ {
		a.regs = append(a.regs, arch.Register{Name: fmt.Sprintf("W%d", i), Bits: 32, Parent: fmt.Sprintf("X%d", i)})
	}
	a.regs = append(a.regs, arch.Register{Name: "WSP", Bits: 32, Parent: "SP"})
	return a
}

// Name returns the name of the architecture.
func (a *Arch) Name() string { return "aarch64" }

// AddressSize returns the size of addresses in number of bits.
func (a *Arch) AddressSize() uint64 { return 64 }

// MaxInstSize returns the maximum size of an instruction in bytes.
func (a *Arch) MaxInstSize() int { return 4 }

// ByteOrder returns the byte order of memory accesses.
func (a *Arch) ByteOrder() binary.ByteOrder { return binary.LittleEndian }

// Registers returns the registers of the architecture.
func (a *Arch) Registers() []arch.Register { return a.regs }

// StackPointer returns the name of the stack pointer register.
func (a *Arch) StackPointer() string { return "SP" }

// InitialContext returns the initial context register assignments used for
// decoding; AArch64 has no decoding modes.
func (a *Arch) InitialContext() map[string]uint64 {
	return map[string]uint64{}
}

// Decode decodes the leading bytes of src as a single instruction at addr.
func (a *Arch) Decode(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	if len(src) < 4 {
		return nil, errors.Errorf("unable to decode instruction at address %v; truncated instruction (%d bytes)", addr, len(src))
	}
	if addr%4 != 0 {
		return nil, errors.Errorf("unable to decode instruction at address %v; misaligned instruction", addr)
	}
	raw := binary.LittleEndian.Uint32(src)
	inst, err := arm64asm.Decode(src[:4])
	if err != nil {
		dbg.Printf("unable to decode instruction 0x%08X at %v", raw, addr)
		return nil, errors.Errorf("unable to decode instruction at address %v; %v", addr, err)
	}
	i := &arch.Inst{
		Addr:  addr,
		Bytes: append([]byte(nil), src[:4]...),
		Text:  inst.String(),
		Raw:   raw,
	}
	i.BranchNotTakenPC = i.Next()
	if b := decodeBranch(raw, uint64(addr)); b != nil {
		i.Flow = b.flow
		i.BranchTakenPC = bin.Addr(b.target)
		i.Conditional = b.flow == arch.FlowCondJump
	}
	return i, nil
}

// DecodeDelayed decodes the leading bytes of src as a single instruction at
// addr. AArch64 has no delay slots.
func (a *Arch) DecodeDelayed(addr bin.Addr, src []byte, ctx map[string]uint64) (*arch.Inst, error) {
	return nil, errors.Errorf("invalid delay slot at %v; aarch64 has no delay slots", addr)
}

// FinishCall is a no-op; the return address is passed in the link register.
func (a *Arch) FinishCall(e *arch.Emitter) {}

// InitReturnAddress stores the return address to the link register.
func (a *Arch) InitReturnAddress(e *arch.Emitter, ra value.Value) {
	e.WriteReg("X30", ra)
}

// IsStructReturnMarker always returns false; AArch64 has no structure return
// size markers.
func (a *Arch) IsStructReturnMarker(word []byte) bool {
	return false
}

// branch describes a decoded branch instruction.
type branch struct {
	// Control flow category.
	flow arch.Flow
	// Absolute target address of direct branches.
	target uint64
}

// decodeBranch decodes the branch instruction of the given raw encoding at pc.
// Returns nil if the instruction is not a branch.
func decodeBranch(raw uint32, pc uint64) *branch {
	switch {
	// RET Xn
	case raw&0xFFFFFC1F == 0xD65F0000:
		return &branch{flow: arch.FlowReturn}
	// BR Xn
	case raw&0xFFFFFC1F == 0xD61F0000:
		return &branch{flow: arch.FlowIndirectJump}
	// BLR Xn
	case raw&0xFFFFFC1F == 0xD63F0000:
		return &branch{flow: arch.FlowIndirectCall}
	// B: 000101 imm26
	case raw&0xFC000000 == 0x14000000:
		return &branch{flow: arch.FlowDirectJump, target: pc + uint64(signExtend(raw&0x03FFFFFF, 26)*4)}
	// BL: 100101 imm26
	case raw&0xFC000000 == 0x94000000:
		return &branch{flow: arch.FlowDirectCall, target: pc + uint64(signExtend(raw&0x03FFFFFF, 26)*4)}
	// B.cond: 01010100 imm19 0 cond
	case raw&0xFF000010 == 0x54000000:
		return &branch{flow: arch.FlowCondJump, target: pc + uint64(signExtend((raw>>5)&0x7FFFF, 19)*4)}
	// CBZ, CBNZ: sf 011010 op imm19 Rt
	case raw&0x7E000000 == 0x34000000:
		return &branch{flow: arch.FlowCondJump, target: pc + uint64(signExtend((raw>>5)&0x7FFFF, 19)*4)}
	// TBZ, TBNZ: b5 011011 op b40 imm14 Rt
	case raw&0x7E000000 == 0x36000000:
		return &branch{flow: arch.FlowCondJump, target: pc + uint64(signExtend((raw>>5)&0x3FFF, 14)*4)}
	}
	return nil
}

// signExtend sign-extends a value from the given bit width to int64.
func signExtend(val uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(val)<<shift) >> shift
}
