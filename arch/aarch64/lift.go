package aarch64

import (
	"fmt"

	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
)

// LiftInst emits the semantics of the given AArch64 instruction.
func (a *Arch) LiftInst(e *arch.Emitter, i *arch.Inst) {
	raw, ok := i.Raw.(uint32)
	if !ok {
		e.Invalid()
		return
	}
	l := &instLifter{e: e, i: i, raw: raw}
	if !l.lift() {
		warn.Printf("support for instruction %q (0x%08X) at %v not yet implemented", i.Text, raw, i.Addr)
		e.Invalid()
	}
}

// instLifter lifts a single AArch64 instruction.
type instLifter struct {
	e   *arch.Emitter
	i   *arch.Inst
	raw uint32
}

// field returns the bits [lo, lo+n) of the instruction encoding.
func (l *instLifter) field(lo, n uint) uint32 {
	return (l.raw >> lo) & (1<<n - 1)
}

// lift emits the semantics of the instruction, and reports whether the
// instruction is supported.
func (l *instLifter) lift() bool {
	e, raw := l.e, l.raw
	pc := uint64(l.i.Addr)
	next := uint64(l.i.Next())
	rd, rn := l.field(0, 5), l.field(5, 5)
	sf := l.field(31, 1) == 1
	bits := uint64(32)
	if sf {
		bits = 64
	}
	switch {
	// NOP
	case raw == 0xD503201F:
	// RET, BR
	case raw&0xFFFFFC1F == 0xD65F0000, raw&0xFFFFFC1F == 0xD61F0000:
		target := l.reg(rn, 64, false)
		if raw&0xFFFFFC1F == 0xD65F0000 {
			e.SetNextPC(target)
		} else {
			e.IndirectJump(target)
		}
	// BLR
	case raw&0xFFFFFC1F == 0xD63F0000:
		target := l.reg(rn, 64, false)
		e.WriteReg("X30", e.Addr(next))
		e.SetReturnPC(e.Addr(next))
		e.SetNextPC(target)
	// B
	case raw&0xFC000000 == 0x14000000:
		e.SetNextPC(e.Addr(uint64(l.i.BranchTakenPC)))
	// BL
	case raw&0xFC000000 == 0x94000000:
		e.WriteReg("X30", e.Addr(next))
		e.SetReturnPC(e.Addr(next))
		e.SetNextPC(e.Addr(uint64(l.i.BranchTakenPC)))
	// B.cond
	case raw&0xFF000010 == 0x54000000:
		e.Branch(l.cond(l.field(0, 4)), uint64(l.i.BranchTakenPC), next)
	// CBZ, CBNZ
	case raw&0x7E000000 == 0x34000000:
		x := l.reg(rd, bits, false)
		pred := enum.IPredEQ
		if l.field(24, 1) == 1 {
			pred = enum.IPredNE
		}
		e.Branch(e.ICmp(pred, x, e.Const(bits, 0)), uint64(l.i.BranchTakenPC), next)
	// TBZ, TBNZ
	case raw&0x7E000000 == 0x36000000:
		bit := l.field(31, 1)<<5 | l.field(19, 5)
		x := l.reg(rd, 64, false)
		masked := e.Block.NewAnd(x, e.Const(64, 1<<bit))
		pred := enum.IPredEQ
		if l.field(24, 1) == 1 {
			pred = enum.IPredNE
		}
		e.Branch(e.ICmp(pred, masked, e.Const(64, 0)), uint64(l.i.BranchTakenPC), next)
	// ADR, ADRP
	case raw&0x1F000000 == 0x10000000:
		imm := uint64(signExtend(l.field(5, 19)<<2|l.field(29, 2), 21))
		if l.field(31, 1) == 1 {
			l.setReg(rd, 64, e.PCRel(pc&^0xFFF+imm<<12), false)
		} else {
			l.setReg(rd, 64, e.PCRel(pc+imm), false)
		}
	// ADD, ADDS, SUB, SUBS (immediate)
	case raw&0x1F800000 == 0x11000000:
		imm := uint64(l.field(10, 12))
		if l.field(22, 1) == 1 {
			imm <<= 12
		}
		setFlags := l.field(29, 1) == 1
		x := l.reg(rn, bits, true)
		l.addSub(rd, bits, x, e.Const(bits, imm), l.field(30, 1) == 1, setFlags, !setFlags)
	// ADD, ADDS, SUB, SUBS (shifted register)
	case raw&0x1F200000 == 0x0B000000:
		x := l.reg(rn, bits, false)
		y, ok := l.shifted(bits)
		if !ok {
			return false
		}
		l.addSub(rd, bits, x, y, l.field(30, 1) == 1, l.field(29, 1) == 1, false)
	// AND, ORR, EOR, ANDS (shifted register)
	case raw&0x1F000000 == 0x0A000000:
		x := l.reg(rn, bits, false)
		y, ok := l.shifted(bits)
		if !ok {
			return false
		}
		if l.field(21, 1) == 1 {
			y = e.Block.NewXor(y, e.Const(bits, ^uint64(0)))
		}
		var res value.Value
		switch l.field(29, 2) {
		case 0, 3:
			res = e.Block.NewAnd(x, y)
		case 1:
			res = e.Block.NewOr(x, y)
		case 2:
			res = e.Block.NewXor(x, y)
		}
		if l.field(29, 2) == 3 {
			l.nz(res, bits)
			e.WriteReg("C", e.Const(1, 0))
			e.WriteReg("V", e.Const(1, 0))
		}
		l.setReg(rd, bits, res, false)
	// MOVN, MOVZ, MOVK
	case raw&0x1F800000 == 0x12800000:
		hw := uint64(l.field(21, 2))
		imm := uint64(l.field(5, 16)) << (16 * hw)
		switch l.field(29, 2) {
		case 0:
			l.setReg(rd, bits, e.Const(bits, ^imm), false)
		case 2:
			l.setReg(rd, bits, e.Const(bits, imm), false)
		case 3:
			old := l.reg(rd, bits, false)
			kept := e.Block.NewAnd(old, e.Const(bits, ^(uint64(0xFFFF) << (16 * hw))))
			l.setReg(rd, bits, e.Block.NewOr(kept, e.Const(bits, imm)), false)
		default:
			return false
		}
	// LDR, STR, LDRB, STRB, LDRH, STRH (unsigned immediate)
	case raw&0x3F000000 == 0x39000000:
		size := uint64(l.field(30, 2))
		opc := l.field(22, 2)
		if opc > 1 {
			return false
		}
		addr := l.offset(l.reg(rn, 64, true), uint64(l.field(10, 12))<<size)
		accBits := uint64(8) << size
		regBits := uint64(32)
		if size == 3 {
			regBits = 64
		}
		if opc == 1 {
			l.setReg(rd, regBits, e.ReadMem(accBits, addr), false)
		} else {
			e.WriteMem(addr, e.Resize(l.reg(rd, regBits, false), accBits))
		}
	// LDP, STP
	case l.field(25, 5) == 0x14 && l.field(23, 2) != 0:
		return l.pair()
	default:
		return false
	}
	return true
}

// reg returns the value of register n of the given size. Register 31 denotes
// the stack pointer if sp is set, and the zero register otherwise.
func (l *instLifter) reg(n uint32, bits uint64, sp bool) value.Value {
	e := l.e
	if n == 31 {
		if !sp {
			return e.Const(bits, 0)
		}
		return e.Resize(e.ReadReg("SP"), bits)
	}
	return e.Resize(e.ReadReg(fmt.Sprintf("X%d", n)), bits)
}

// setReg assigns v to register n. Writes to 32-bit registers zero-extend into
// the full register. Register 31 denotes the stack pointer if sp is set, and
// the zero register otherwise.
func (l *instLifter) setReg(n uint32, bits uint64, v value.Value, sp bool) {
	e := l.e
	v = e.Resize(e.Resize(v, bits), 64)
	if n == 31 {
		if sp {
			e.WriteReg("SP", v)
		}
		return
	}
	e.WriteReg(fmt.Sprintf("X%d", n), v)
}

// shifted returns the shifted second source register operand.
func (l *instLifter) shifted(bits uint64) (value.Value, bool) {
	e := l.e
	y := l.reg(l.field(16, 5), bits, false)
	amount := uint64(l.field(10, 6))
	if amount == 0 {
		return y, true
	}
	switch l.field(22, 2) {
	case 0:
		return e.Block.NewShl(y, e.Const(bits, amount)), true
	case 1:
		return e.Block.NewLShr(y, e.Const(bits, amount)), true
	case 2:
		return e.Block.NewAShr(y, e.Const(bits, amount)), true
	}
	return nil, false
}

// addSub emits an addition or subtraction, optionally setting the condition
// flags.
func (l *instLifter) addSub(rd uint32, bits uint64, x, y value.Value, sub, setFlags, sp bool) {
	e := l.e
	var res value.Value
	if sub {
		res = e.Block.NewSub(x, y)
	} else {
		res = e.Block.NewAdd(x, y)
	}
	if setFlags {
		l.nz(res, bits)
		zero := e.Const(bits, 0)
		if sub {
			e.WriteReg("C", e.ICmp(enum.IPredUGE, x, y))
			t := e.Block.NewAnd(e.Block.NewXor(x, y), e.Block.NewXor(x, res))
			e.WriteReg("V", e.ICmp(enum.IPredSLT, t, zero))
		} else {
			e.WriteReg("C", e.ICmp(enum.IPredULT, res, x))
			t := e.Block.NewAnd(e.Block.NewXor(x, res), e.Block.NewXor(y, res))
			e.WriteReg("V", e.ICmp(enum.IPredSLT, t, zero))
		}
	}
	l.setReg(rd, bits, res, sp)
}

// nz sets the N and Z flags based on the given result.
func (l *instLifter) nz(res value.Value, bits uint64) {
	e := l.e
	e.WriteReg("N", e.ICmp(enum.IPredSLT, res, e.Const(bits, 0)))
	e.WriteReg("Z", e.ICmp(enum.IPredEQ, res, e.Const(bits, 0)))
}

// offset returns base+off.
func (l *instLifter) offset(base value.Value, off uint64) value.Value {
	if off == 0 {
		return base
	}
	return l.e.Block.NewAdd(base, l.e.Const(64, off))
}

// pair emits the semantics of LDP and STP.
func (l *instLifter) pair() bool {
	e := l.e
	var bits uint64
	switch l.field(30, 2) {
	case 0:
		bits = 32
	case 2:
		bits = 64
	default:
		return false
	}
	mode := l.field(23, 2)
	load := l.field(22, 1) == 1
	rt, rn, rt2 := l.field(0, 5), l.field(5, 5), l.field(10, 5)
	off := uint64(signExtend(l.field(15, 7), 7) * int64(bits/8))
	base := l.reg(rn, 64, true)
	addr := base
	// Signed offset and pre-index address base+off; post-index addresses base.
	if mode != 1 {
		addr = l.offset(base, off)
	}
	addr2 := l.offset(addr, bits/8)
	if load {
		x := e.ReadMem(bits, addr)
		y := e.ReadMem(bits, addr2)
		l.setReg(rt, bits, x, false)
		l.setReg(rt2, bits, y, false)
	} else {
		e.WriteMem(addr, l.reg(rt, bits, false))
		e.WriteMem(addr2, l.reg(rt2, bits, false))
	}
	// Writeback.
	if mode == 1 || mode == 3 {
		l.setReg(rn, 64, l.offset(base, off), true)
	}
	return true
}

// cond returns the value of the given condition code.
func (l *instLifter) cond(cc uint32) value.Value {
	e := l.e
	flag := func(name string) value.Value { return e.ReadReg(name) }
	not := func(v value.Value) value.Value { return e.Block.NewXor(v, e.Const(1, 1)) }
	var v value.Value
	switch cc >> 1 {
	case 0: // EQ
		v = flag("Z")
	case 1: // CS
		v = flag("C")
	case 2: // MI
		v = flag("N")
	case 3: // VS
		v = flag("V")
	case 4: // HI
		v = e.Block.NewAnd(flag("C"), not(flag("Z")))
	case 5: // GE
		v = not(e.Block.NewXor(flag("N"), flag("V")))
	case 6: // GT
		v = e.Block.NewAnd(not(flag("Z")), not(e.Block.NewXor(flag("N"), flag("V"))))
	case 7: // AL
		return e.Const(1, 1)
	}
	if cc&1 == 1 {
		return not(v)
	}
	return v
}
