package sparc

import (
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
)

// LiftInst emits the semantics of the given SPARC instruction. Control
// transfer instructions update NEXT_PC before the instruction in their delay
// slot is lifted.
func (a *Arch) LiftInst(e *arch.Emitter, i *arch.Inst) {
	w, ok := i.Raw.(word)
	if !ok {
		e.Invalid()
		return
	}
	l := &instLifter{e: e, i: i, w: w}
	if !l.lift() {
		warn.Printf("support for instruction %q (%v) at %v not yet implemented", i.Text, w, i.Addr)
		e.Invalid()
	}
}

// instLifter lifts a single SPARC instruction.
type instLifter struct {
	e *arch.Emitter
	i *arch.Inst
	w word
}

// lift emits the semantics of the instruction, and reports whether the
// instruction is supported.
func (l *instLifter) lift() bool {
	switch l.w.op() {
	case 0:
		return l.liftFormat2()
	case 1:
		// CALL
		e := l.e
		e.WriteReg("O7", e.Addr(uint64(l.i.Addr)))
		e.SetReturnPC(e.Addr(uint64(l.i.BranchNotTakenPC)))
		e.SetNextPC(e.Addr(uint64(l.i.BranchTakenPC)))
		return true
	case 2:
		return l.liftArith()
	default:
		return l.liftMem()
	}
}

// liftFormat2 lifts UNIMP, Bicc and SETHI.
func (l *instLifter) liftFormat2() bool {
	e, w := l.e, l.w
	switch w.op2() {
	case 0:
		e.Invalid()
	case 2:
		switch w.cond() {
		case condAlways:
			e.SetNextPC(e.Addr(uint64(l.i.BranchTakenPC)))
		case condNever:
		default:
			e.Branch(l.cond(w.cond()), uint64(l.i.BranchTakenPC), uint64(l.i.BranchNotTakenPC))
		}
	case 4:
		if w.rd() != regG0 {
			l.setReg(w.rd(), e.Const(32, uint64(w.imm22())<<10))
		}
	default:
		return false
	}
	return true
}

// liftArith lifts format 3 arithmetic, logical, shift and control transfer
// instructions.
func (l *instLifter) liftArith() bool {
	e, w := l.e, l.w
	b := e.Block
	op3 := w.op3()
	switch op3 {
	case op3SAVE, op3RESTORE:
		l.liftWindow(op3 == op3SAVE)
		return true
	case op3JMPL:
		target := b.NewAdd(l.reg(w.rs1()), l.operand2())
		l.setReg(w.rd(), e.Const(32, uint64(l.i.Addr)))
		switch l.i.Flow {
		case arch.FlowReturn:
			e.SetNextPC(target)
		case arch.FlowIndirectCall:
			e.SetReturnPC(e.Addr(uint64(l.i.BranchNotTakenPC)))
			e.SetNextPC(target)
		default:
			e.IndirectJump(target)
		}
		return true
	case 0x28:
		// RDY
		if w.rs1() != 0 {
			return false
		}
		l.setReg(w.rd(), e.ReadReg("Y"))
		return true
	case 0x30:
		// WRY
		if w.rd() != 0 {
			return false
		}
		e.WriteReg("Y", b.NewXor(l.reg(w.rs1()), l.operand2()))
		return true
	case 0x25, 0x26, 0x27:
		x := l.reg(w.rs1())
		var cnt value.Value
		if w.imm() {
			cnt = e.Const(32, uint64(w.shcnt()))
		} else {
			cnt = b.NewAnd(l.reg(w.rs2()), e.Const(32, 0x1F))
		}
		var res value.Value
		switch op3 {
		case 0x25:
			res = b.NewShl(x, cnt)
		case 0x26:
			res = b.NewLShr(x, cnt)
		default:
			res = b.NewAShr(x, cnt)
		}
		l.setReg(w.rd(), res)
		return true
	case 0x0A, 0x0B:
		// UMUL, SMUL
		x, y := l.reg(w.rs1()), l.operand2()
		var x64, y64 value.Value
		if op3 == 0x0A {
			x64, y64 = e.Resize(x, 64), e.Resize(y, 64)
		} else {
			x64, y64 = e.SExt(x, 64), e.SExt(y, 64)
		}
		prod := b.NewMul(x64, y64)
		e.WriteReg("Y", b.NewLShr(prod, e.Const(64, 32)))
		l.setReg(w.rd(), e.Resize(prod, 32))
		return true
	}
	// Integer ALU instructions; bit 4 of op3 selects condition code updates.
	cc := op3&0x10 != 0
	x, y := l.reg(w.rs1()), l.operand2()
	var res value.Value
	switch op3 &^ 0x10 {
	case 0x00:
		res = b.NewAdd(x, y)
		if cc {
			l.setArithFlags(res, x, y, false)
		}
	case 0x04:
		res = b.NewSub(x, y)
		if cc {
			l.setArithFlags(res, x, y, true)
		}
	case 0x01:
		res = b.NewAnd(x, y)
	case 0x02:
		res = b.NewOr(x, y)
	case 0x03:
		res = b.NewXor(x, y)
	case 0x05:
		res = b.NewAnd(x, l.not(y))
	case 0x06:
		res = b.NewOr(x, l.not(y))
	case 0x07:
		res = l.not(b.NewXor(x, y))
	default:
		return false
	}
	if cc && op3&^0x10 != 0x00 && op3&^0x10 != 0x04 {
		l.setLogicFlags(res)
	}
	l.setReg(w.rd(), res)
	return true
}

// liftWindow lifts SAVE and RESTORE. The locals and ins of a register window
// are spilled to the 64-byte register save area at the stack pointer of the
// window, as done by window overflow traps, and reloaded by RESTORE.
func (l *instLifter) liftWindow(save bool) {
	e, w := l.e, l.w
	b := e.Block
	// The result is computed using the source registers of the old window.
	res := b.NewAdd(l.reg(w.rs1()), l.operand2())
	slot := func(sp value.Value, n uint64) value.Value {
		return b.NewAdd(sp, e.Const(32, 4*n))
	}
	if save {
		sp := e.ReadReg("O6")
		for n := uint64(0); n < 8; n++ {
			e.WriteMem(slot(sp, n), e.ReadReg(regName(uint32(16+n))))
			e.WriteMem(slot(sp, 8+n), e.ReadReg(regName(uint32(24+n))))
		}
		for n := uint32(0); n < 8; n++ {
			e.WriteReg(regName(24+n), e.ReadReg(regName(8+n)))
		}
	} else {
		for n := uint32(0); n < 8; n++ {
			e.WriteReg(regName(8+n), e.ReadReg(regName(24+n)))
		}
		sp := e.ReadReg("O6")
		for n := uint64(0); n < 8; n++ {
			e.WriteReg(regName(uint32(16+n)), e.ReadMem(32, slot(sp, n)))
			e.WriteReg(regName(uint32(24+n)), e.ReadMem(32, slot(sp, 8+n)))
		}
	}
	l.setReg(w.rd(), res)
}

// liftMem lifts format 3 load and store instructions.
func (l *instLifter) liftMem() bool {
	e, w := l.e, l.w
	b := e.Block
	addr := b.NewAdd(l.reg(w.rs1()), l.operand2())
	rd := w.rd()
	switch w.op3() {
	case 0x00:
		l.setReg(rd, e.ReadMem(32, addr))
	case 0x01:
		l.setReg(rd, e.Resize(e.ReadMem(8, addr), 32))
	case 0x02:
		l.setReg(rd, e.Resize(e.ReadMem(16, addr), 32))
	case 0x09:
		l.setReg(rd, e.SExt(e.ReadMem(8, addr), 32))
	case 0x0A:
		l.setReg(rd, e.SExt(e.ReadMem(16, addr), 32))
	case 0x03:
		// LDD
		if rd%2 != 0 {
			return false
		}
		l.setReg(rd, e.ReadMem(32, addr))
		l.setReg(rd+1, e.ReadMem(32, b.NewAdd(addr, e.Const(32, 4))))
	case 0x04:
		e.WriteMem(addr, l.reg(rd))
	case 0x05:
		e.WriteMem(addr, e.Resize(l.reg(rd), 8))
	case 0x06:
		e.WriteMem(addr, e.Resize(l.reg(rd), 16))
	case 0x07:
		// STD
		if rd%2 != 0 {
			return false
		}
		e.WriteMem(addr, l.reg(rd))
		e.WriteMem(b.NewAdd(addr, e.Const(32, 4)), l.reg(rd+1))
	default:
		return false
	}
	return true
}

// ### [ Helper functions ] ####################################################

// reg returns the value of the given integer register; %g0 reads as zero.
func (l *instLifter) reg(n uint32) value.Value {
	if n == regG0 {
		return l.e.Const(32, 0)
	}
	return l.e.ReadReg(regName(n))
}

// setReg assigns v to the given integer register; writes to %g0 are
// discarded.
func (l *instLifter) setReg(n uint32, v value.Value) {
	if n == regG0 {
		return
	}
	l.e.WriteReg(regName(n), v)
}

// operand2 returns the second source operand of a format 3 instruction.
func (l *instLifter) operand2() value.Value {
	if l.w.imm() {
		return l.e.Const(32, uint64(int64(l.w.simm13())))
	}
	return l.reg(l.w.rs2())
}

// not returns the bitwise complement of the 32-bit value x.
func (l *instLifter) not(x value.Value) value.Value {
	return l.e.Block.NewXor(x, l.e.Const(32, 0xFFFFFFFF))
}

// setLogicFlags updates the integer condition codes after a logical
// operation.
func (l *instLifter) setLogicFlags(res value.Value) {
	e := l.e
	e.WriteReg("N", e.ICmp(enum.IPredSLT, res, e.Const(32, 0)))
	e.WriteReg("Z", e.ICmp(enum.IPredEQ, res, e.Const(32, 0)))
	e.WriteReg("V", e.Const(1, 0))
	e.WriteReg("C", e.Const(1, 0))
}

// setArithFlags updates the integer condition codes after an addition or
// subtraction.
func (l *instLifter) setArithFlags(res, x, y value.Value, sub bool) {
	e := l.e
	b := e.Block
	zero := e.Const(32, 0)
	e.WriteReg("N", e.ICmp(enum.IPredSLT, res, zero))
	e.WriteReg("Z", e.ICmp(enum.IPredEQ, res, zero))
	var carry, ovf value.Value
	if sub {
		carry = e.ICmp(enum.IPredULT, x, y)
		// Overflow if the operands differ in sign, and the sign of the result
		// differs from x.
		ovf = b.NewAnd(b.NewXor(x, y), b.NewXor(x, res))
	} else {
		carry = e.ICmp(enum.IPredULT, res, x)
		// Overflow if the operands agree in sign, and the sign of the result
		// differs.
		ovf = b.NewAnd(l.not(b.NewXor(x, y)), b.NewXor(x, res))
	}
	e.WriteReg("C", carry)
	e.WriteReg("V", e.ICmp(enum.IPredSLT, ovf, zero))
}

// cond returns the boolean value of the given Bicc condition.
func (l *instLifter) cond(c uint32) value.Value {
	e := l.e
	b := e.Block
	n, z, v, cf := e.ReadReg("N"), e.ReadReg("Z"), e.ReadReg("V"), e.ReadReg("C")
	var res value.Value
	switch c & 0x7 {
	case 1:
		res = z
	case 2:
		res = b.NewOr(z, b.NewXor(n, v))
	case 3:
		res = b.NewXor(n, v)
	case 4:
		res = b.NewOr(cf, z)
	case 5:
		res = cf
	case 6:
		res = n
	case 7:
		res = v
	}
	if c&0x8 != 0 {
		res = b.NewXor(res, e.Const(1, 1))
	}
	return res
}
