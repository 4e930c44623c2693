package x86

import (
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"golang.org/x/arch/x86/x86asm"
)

// LiftInst emits the semantics of the given x86 instruction.
func (a *Arch) LiftInst(e *arch.Emitter, i *arch.Inst) {
	inst, ok := i.Raw.(x86asm.Inst)
	if !ok {
		e.Invalid()
		return
	}
	l := &instLifter{a: a, e: e, i: i, inst: inst}
	if !l.lift() {
		warn.Printf("support for instruction %q at %v not yet implemented", i.Text, i.Addr)
		e.Invalid()
	}
}

// instLifter lifts a single x86 instruction.
type instLifter struct {
	a    *Arch
	e    *arch.Emitter
	i    *arch.Inst
	inst x86asm.Inst
}

// lift emits the semantics of the instruction, and reports whether the
// instruction is supported.
func (l *instLifter) lift() bool {
	e, inst := l.e, l.inst
	args := inst.Args
	switch op := inst.Op; op {
	case x86asm.NOP, x86asm.PAUSE:
		// nothing to do.
	case x86asm.MOV:
		bits := l.bits(args[0])
		l.write(args[0], l.read(args[1], bits))
	case x86asm.MOVZX:
		l.write(args[0], e.Resize(l.read(args[1], l.bits(args[1])), l.bits(args[0])))
	case x86asm.MOVSX, x86asm.MOVSXD:
		l.write(args[0], e.SExt(l.read(args[1], l.bits(args[1])), l.bits(args[0])))
	case x86asm.LEA:
		m, ok := args[1].(x86asm.Mem)
		if !ok {
			return false
		}
		l.write(args[0], e.Resize(l.addr(m), l.bits(args[0])))
	case x86asm.XCHG:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		y := l.read(args[1], bits)
		l.write(args[0], y)
		l.write(args[1], x)
	case x86asm.ADD:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		y := l.read(args[1], bits)
		res := e.Block.NewAdd(x, y)
		l.write(args[0], res)
		l.addFlags(x, y, res)
	case x86asm.SUB, x86asm.CMP:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		y := l.read(args[1], bits)
		res := e.Block.NewSub(x, y)
		if op != x86asm.CMP {
			l.write(args[0], res)
		}
		l.subFlags(x, y, res)
	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		y := l.read(args[1], bits)
		var res value.Value
		switch op {
		case x86asm.AND, x86asm.TEST:
			res = e.Block.NewAnd(x, y)
		case x86asm.OR:
			res = e.Block.NewOr(x, y)
		case x86asm.XOR:
			res = e.Block.NewXor(x, y)
		}
		if op != x86asm.TEST {
			l.write(args[0], res)
		}
		l.logicFlags(res)
	case x86asm.INC, x86asm.DEC:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		one := e.Const(bits, 1)
		var res value.Value
		if op == x86asm.INC {
			res = e.Block.NewAdd(x, one)
			l.overflowAdd(x, one, res)
		} else {
			res = e.Block.NewSub(x, one)
			l.overflowSub(x, one, res)
		}
		l.write(args[0], res)
		l.resultFlags(res)
	case x86asm.NEG:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		zero := e.Const(bits, 0)
		res := e.Block.NewSub(zero, x)
		l.write(args[0], res)
		l.subFlags(zero, x, res)
	case x86asm.NOT:
		bits := l.bits(args[0])
		x := l.read(args[0], bits)
		l.write(args[0], e.Block.NewXor(x, e.Const(bits, ^uint64(0))))
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		l.shift(op)
	case x86asm.IMUL:
		return l.imul()
	case x86asm.CDQ, x86asm.CQO, x86asm.CWD:
		bits := uint64(16)
		switch op {
		case x86asm.CDQ:
			bits = 32
		case x86asm.CQO:
			bits = 64
		}
		acc := e.ReadReg(l.accName(bits))
		sign := e.Block.NewAShr(acc, e.Const(bits, bits-1))
		l.writeReg(l.dataName(bits), sign)
	case x86asm.CWDE, x86asm.CDQE, x86asm.CBW:
		var from, to uint64
		switch op {
		case x86asm.CBW:
			from, to = 8, 16
		case x86asm.CWDE:
			from, to = 16, 32
		case x86asm.CDQE:
			from, to = 32, 64
		}
		l.writeReg(l.accName(to), e.SExt(e.ReadReg(l.accName(from)), to))
	case x86asm.PUSH:
		bits := uint64(inst.DataSize)
		if _, ok := args[0].(x86asm.Reg); ok {
			bits = l.bits(args[0])
		}
		l.push(l.read(args[0], bits))
	case x86asm.POP:
		bits := l.bits(args[0])
		l.write(args[0], l.pop(bits))
	case x86asm.LEAVE:
		sp, fp := l.a.StackPointer(), l.framePointer()
		e.WriteReg(sp, e.ReadReg(fp))
		e.WriteReg(fp, l.pop(e.AddrBits()))
	case x86asm.CALL:
		next := uint64(l.i.Next())
		var target value.Value
		if _, ok := args[0].(x86asm.Rel); ok {
			target = e.Addr(uint64(l.i.BranchTakenPC))
		} else {
			target = l.read(args[0], e.AddrBits())
		}
		l.push(e.Addr(next))
		e.SetReturnPC(e.Addr(next))
		e.SetNextPC(target)
	case x86asm.RET:
		ra := l.pop(e.AddrBits())
		if imm, ok := args[0].(x86asm.Imm); ok {
			sp := l.a.StackPointer()
			e.WriteReg(sp, e.Block.NewAdd(e.ReadReg(sp), e.Addr(uint64(imm))))
		}
		e.SetNextPC(ra)
	case x86asm.JMP:
		if _, ok := args[0].(x86asm.Rel); ok {
			e.SetNextPC(e.Addr(uint64(l.i.BranchTakenPC)))
		} else {
			e.IndirectJump(l.read(args[0], e.AddrBits()))
		}
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		name := l.counterName(uint64(inst.AddrSize))
		bits := regBitsByName(name)
		cnt := e.Block.NewSub(e.ReadReg(name), e.Const(bits, 1))
		l.writeReg(name, cnt)
		cond := e.ICmp(enum.IPredNE, cnt, e.Const(bits, 0))
		switch op {
		case x86asm.LOOPE:
			cond = e.Block.NewAnd(cond, e.ReadReg("ZF"))
		case x86asm.LOOPNE:
			cond = e.Block.NewAnd(cond, l.not(e.ReadReg("ZF")))
		}
		e.Branch(cond, uint64(l.i.BranchTakenPC), uint64(l.i.Next()))
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		bits := map[x86asm.Op]uint64{x86asm.JCXZ: 16, x86asm.JECXZ: 32, x86asm.JRCXZ: 64}[op]
		name := l.counterName(bits)
		cond := e.ICmp(enum.IPredEQ, e.ReadReg(name), e.Const(bits, 0))
		e.Branch(cond, uint64(l.i.BranchTakenPC), uint64(l.i.Next()))
	default:
		if cond, ok := l.cond(op); ok {
			switch {
			case isCondJump(op):
				e.Branch(cond, uint64(l.i.BranchTakenPC), uint64(l.i.Next()))
			case isSetcc(op):
				l.write(args[0], e.Resize(cond, 8))
			default:
				// CMOVcc
				bits := l.bits(args[0])
				x := l.read(args[0], bits)
				y := l.read(args[1], bits)
				l.write(args[0], e.Block.NewSelect(cond, y, x))
			}
			return true
		}
		return false
	}
	return true
}

// ### [ Operands ] ############################################################

// bits returns the size of the given operand in number of bits.
func (l *instLifter) bits(arg x86asm.Arg) uint64 {
	switch arg := arg.(type) {
	case x86asm.Reg:
		return regBits(arg)
	case x86asm.Mem:
		if l.inst.MemBytes != 0 {
			return uint64(l.inst.MemBytes) * 8
		}
	}
	return uint64(l.inst.DataSize)
}

// read returns the value of the given operand, resized to the given number of
// bits.
func (l *instLifter) read(arg x86asm.Arg, bits uint64) value.Value {
	e := l.e
	switch arg := arg.(type) {
	case x86asm.Reg:
		return e.Resize(e.ReadReg(arg.String()), bits)
	case x86asm.Mem:
		return e.Resize(e.ReadMem(l.bits(arg), l.addr(arg)), bits)
	case x86asm.Imm:
		return e.Const(bits, uint64(int64(arg)))
	case x86asm.Rel:
		return e.Const(bits, uint64(l.i.Next())+uint64(int64(arg)))
	}
	panic("unreachable")
}

// write assigns v to the given operand.
func (l *instLifter) write(arg x86asm.Arg, v value.Value) {
	switch arg := arg.(type) {
	case x86asm.Reg:
		l.writeReg(arg.String(), v)
	case x86asm.Mem:
		l.e.WriteMem(l.addr(arg), l.e.Resize(v, l.bits(arg)))
	default:
		panic("unreachable")
	}
}

// writeReg assigns v to the named register. In 64-bit mode, writes to 32-bit
// registers zero-extend into the full register.
func (l *instLifter) writeReg(name string, v value.Value) {
	if l.a.mode == 64 {
		for i := 0; i < 16; i++ {
			if (x86asm.EAX + x86asm.Reg(i)).String() == name {
				l.e.WriteReg((x86asm.RAX + x86asm.Reg(i)).String(), l.e.Resize(v, 32))
				return
			}
		}
	}
	l.e.WriteReg(name, v)
}

// addr returns the effective address of the given memory operand.
func (l *instLifter) addr(m x86asm.Mem) value.Value {
	e := l.e
	bits := e.AddrBits()
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		return e.PCRel(uint64(l.i.Next()) + uint64(m.Disp))
	}
	var addr value.Value
	if m.Base != 0 {
		addr = e.Resize(e.ReadReg(m.Base.String()), bits)
	}
	if m.Index != 0 {
		idx := e.Resize(e.ReadReg(m.Index.String()), bits)
		if m.Scale > 1 {
			idx = e.Block.NewMul(idx, e.Const(bits, uint64(m.Scale)))
		}
		if addr == nil {
			addr = idx
		} else {
			addr = e.Block.NewAdd(addr, idx)
		}
	}
	switch {
	case addr == nil:
		return e.Const(bits, uint64(m.Disp))
	case m.Disp != 0:
		return e.Block.NewAdd(addr, e.Const(bits, uint64(m.Disp)))
	}
	return addr
}

// push pushes v onto the stack.
func (l *instLifter) push(v value.Value) {
	e := l.e
	sp := l.a.StackPointer()
	size := arch.Bits(v, e.AddrBits()) / 8
	top := e.Block.NewSub(e.ReadReg(sp), e.Addr(size))
	e.WriteReg(sp, top)
	e.WriteMem(top, v)
}

// pop pops a value of the given size in number of bits from the stack.
func (l *instLifter) pop(bits uint64) value.Value {
	e := l.e
	sp := l.a.StackPointer()
	top := e.ReadReg(sp)
	v := e.ReadMem(bits, top)
	e.WriteReg(sp, e.Block.NewAdd(top, e.Addr(bits/8)))
	return v
}

// framePointer returns the name of the frame pointer register.
func (l *instLifter) framePointer() string {
	if l.a.mode == 64 {
		return "RBP"
	}
	return "EBP"
}

// accName returns the name of the accumulator register of the given size.
func (l *instLifter) accName(bits uint64) string {
	return sizedReg(x86asm.AL, x86asm.AX, x86asm.EAX, x86asm.RAX, bits)
}

// dataName returns the name of the data register of the given size.
func (l *instLifter) dataName(bits uint64) string {
	return sizedReg(x86asm.DL, x86asm.DX, x86asm.EDX, x86asm.RDX, bits)
}

// counterName returns the name of the counter register of the given size.
func (l *instLifter) counterName(bits uint64) string {
	if bits == 0 {
		bits = uint64(l.a.mode)
	}
	return sizedReg(x86asm.CL, x86asm.CX, x86asm.ECX, x86asm.RCX, bits)
}

// sizedReg returns the name of the register of the given size.
func sizedReg(r8, r16, r32, r64 x86asm.Reg, bits uint64) string {
	switch bits {
	case 8:
		return r8.String()
	case 16:
		return r16.String()
	case 64:
		return r64.String()
	}
	return r32.String()
}

// regBitsByName returns the size of the named general purpose register.
func regBitsByName(name string) uint64 {
	switch name[0] {
	case 'R':
		return 64
	case 'E':
		return 32
	}
	return 16
}

// ### [ Arithmetic ] ##########################################################

// shift emits the semantics of SHL, SHR and SAR.
func (l *instLifter) shift(op x86asm.Op) {
	e, args := l.e, l.inst.Args
	bits := l.bits(args[0])
	x := l.read(args[0], bits)
	countMask := uint64(0x1F)
	if bits == 64 {
		countMask = 0x3F
	}
	var cnt value.Value = e.Const(bits, 1)
	if args[1] != nil {
		cnt = e.Block.NewAnd(l.read(args[1], bits), e.Const(bits, countMask))
	}
	var res value.Value
	switch op {
	case x86asm.SHL:
		res = e.Block.NewShl(x, cnt)
	case x86asm.SHR:
		res = e.Block.NewLShr(x, cnt)
	case x86asm.SAR:
		res = e.Block.NewAShr(x, cnt)
	}
	l.write(args[0], res)
	// Flags are unaffected by shifts of zero.
	nonzero := e.ICmp(enum.IPredNE, cnt, e.Const(bits, 0))
	zf := e.ICmp(enum.IPredEQ, res, e.Const(bits, 0))
	sf := e.ICmp(enum.IPredSLT, res, e.Const(bits, 0))
	e.WriteReg("ZF", e.Block.NewSelect(nonzero, zf, e.ReadReg("ZF")))
	e.WriteReg("SF", e.Block.NewSelect(nonzero, sf, e.ReadReg("SF")))
	e.WriteReg("PF", e.Block.NewSelect(nonzero, l.parity(res), e.ReadReg("PF")))
}

// imul emits the semantics of the two and three operand forms of IMUL.
func (l *instLifter) imul() bool {
	e, args := l.e, l.inst.Args
	if args[1] == nil {
		return false
	}
	bits := l.bits(args[0])
	var x, y value.Value
	if args[2] != nil {
		x = l.read(args[1], bits)
		y = l.read(args[2], bits)
	} else {
		x = l.read(args[0], bits)
		y = l.read(args[1], bits)
	}
	wide := e.Block.NewMul(e.SExt(x, 2*bits), e.SExt(y, 2*bits))
	res := e.Block.NewTrunc(wide, arch.IntType(bits))
	l.write(args[0], res)
	overflow := e.ICmp(enum.IPredNE, e.SExt(res, 2*bits), wide)
	e.WriteReg("CF", overflow)
	e.WriteReg("OF", overflow)
	return true
}

// ### [ Flags ] ###############################################################

// resultFlags sets ZF, SF and PF based on the given result.
func (l *instLifter) resultFlags(res value.Value) {
	e := l.e
	bits := arch.Bits(res, e.AddrBits())
	e.WriteReg("ZF", e.ICmp(enum.IPredEQ, res, e.Const(bits, 0)))
	e.WriteReg("SF", e.ICmp(enum.IPredSLT, res, e.Const(bits, 0)))
	e.WriteReg("PF", l.parity(res))
}

// addFlags sets the flags of an addition.
func (l *instLifter) addFlags(x, y, res value.Value) {
	e := l.e
	e.WriteReg("CF", e.ICmp(enum.IPredULT, res, x))
	l.overflowAdd(x, y, res)
	l.resultFlags(res)
}

// subFlags sets the flags of a subtraction.
func (l *instLifter) subFlags(x, y, res value.Value) {
	e := l.e
	e.WriteReg("CF", e.ICmp(enum.IPredULT, x, y))
	l.overflowSub(x, y, res)
	l.resultFlags(res)
}

// logicFlags sets the flags of a logical operation.
func (l *instLifter) logicFlags(res value.Value) {
	e := l.e
	e.WriteReg("CF", e.Const(1, 0))
	e.WriteReg("OF", e.Const(1, 0))
	l.resultFlags(res)
}

// overflowAdd sets OF of an addition; the operands have equal signs which
// differ from the sign of the result.
func (l *instLifter) overflowAdd(x, y, res value.Value) {
	e := l.e
	bits := arch.Bits(res, e.AddrBits())
	t := e.Block.NewAnd(e.Block.NewXor(x, res), e.Block.NewXor(y, res))
	e.WriteReg("OF", e.ICmp(enum.IPredSLT, t, e.Const(bits, 0)))
}

// overflowSub sets OF of a subtraction; the operands have different signs and
// the sign of the result differs from the sign of x.
func (l *instLifter) overflowSub(x, y, res value.Value) {
	e := l.e
	bits := arch.Bits(res, e.AddrBits())
	t := e.Block.NewAnd(e.Block.NewXor(x, y), e.Block.NewXor(x, res))
	e.WriteReg("OF", e.ICmp(enum.IPredSLT, t, e.Const(bits, 0)))
}

// parity returns true if the least significant byte of res has an even number
// of set bits.
func (l *instLifter) parity(res value.Value) value.Value {
	e := l.e
	low := e.Resize(res, 8)
	cnt := e.Call("llvm.ctpop.i8", types.I8, low)
	odd := e.Block.NewAnd(cnt, e.Const(8, 1))
	return e.ICmp(enum.IPredEQ, odd, e.Const(8, 0))
}

// not returns the logical negation of the boolean value v.
func (l *instLifter) not(v value.Value) value.Value {
	return l.e.Block.NewXor(v, l.e.Const(1, 1))
}

// cond returns the condition of the given conditional jump, SETcc or CMOVcc
// instruction.
func (l *instLifter) cond(op x86asm.Op) (value.Value, bool) {
	e := l.e
	flag := func(name string) value.Value { return e.ReadReg(name) }
	ne := func(x, y value.Value) value.Value { return e.Block.NewXor(x, y) }
	switch op {
	case x86asm.JO, x86asm.SETO, x86asm.CMOVO:
		return flag("OF"), true
	case x86asm.JNO, x86asm.SETNO, x86asm.CMOVNO:
		return l.not(flag("OF")), true
	case x86asm.JB, x86asm.SETB, x86asm.CMOVB:
		return flag("CF"), true
	case x86asm.JAE, x86asm.SETAE, x86asm.CMOVAE:
		return l.not(flag("CF")), true
	case x86asm.JE, x86asm.SETE, x86asm.CMOVE:
		return flag("ZF"), true
	case x86asm.JNE, x86asm.SETNE, x86asm.CMOVNE:
		return l.not(flag("ZF")), true
	case x86asm.JBE, x86asm.SETBE, x86asm.CMOVBE:
		return e.Block.NewOr(flag("CF"), flag("ZF")), true
	case x86asm.JA, x86asm.SETA, x86asm.CMOVA:
		return l.not(e.Block.NewOr(flag("CF"), flag("ZF"))), true
	case x86asm.JS, x86asm.SETS, x86asm.CMOVS:
		return flag("SF"), true
	case x86asm.JNS, x86asm.SETNS, x86asm.CMOVNS:
		return l.not(flag("SF")), true
	case x86asm.JP, x86asm.SETP, x86asm.CMOVP:
		return flag("PF"), true
	case x86asm.JNP, x86asm.SETNP, x86asm.CMOVNP:
		return l.not(flag("PF")), true
	case x86asm.JL, x86asm.SETL, x86asm.CMOVL:
		return ne(flag("SF"), flag("OF")), true
	case x86asm.JGE, x86asm.SETGE, x86asm.CMOVGE:
		return l.not(ne(flag("SF"), flag("OF"))), true
	case x86asm.JLE, x86asm.SETLE, x86asm.CMOVLE:
		return e.Block.NewOr(flag("ZF"), ne(flag("SF"), flag("OF"))), true
	case x86asm.JG, x86asm.SETG, x86asm.CMOVG:
		return l.not(e.Block.NewOr(flag("ZF"), ne(flag("SF"), flag("OF")))), true
	}
	return nil, false
}

// isSetcc reports whether the given instruction opcode is a SETcc instruction.
func isSetcc(op x86asm.Op) bool {
	switch op {
	case x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE, x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETNE, x86asm.SETNO, x86asm.SETNP, x86asm.SETNS, x86asm.SETO, x86asm.SETP, x86asm.SETS:
		return true
	}
	return false
}
