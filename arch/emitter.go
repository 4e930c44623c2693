package arch

import (
	"fmt"
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Emitter emits instruction semantics into a lifted function, against a
// symbolic processor state held in memory.
//
// Instructions other than control flow instructions never write the NEXT_PC
// pseudo-register; the fallthrough address is assigned by the caller.
type Emitter struct {
	// Processor state layout.
	Layout *StateLayout
	// Intrinsics of the module.
	Intr *Intrinsics
	// Function being lifted.
	Func *ir.Func
	// Current basic block; emitted instructions are appended to Block.
	Block *ir.Block
	// Pointer to the processor state.
	State value.Value
	// Pointer to the memory token (i8**).
	MemorySlot value.Value
	// Instruction being lifted.
	Inst *Inst
	// An instruction without successor (invalid instruction) has been emitted;
	// the current basic block must be terminated with unreachable.
	Trapped bool
}

// Arch returns the architecture of the emitter.
func (e *Emitter) Arch() Arch {
	return e.Layout.Arch
}

// AddrBits returns the address size in number of bits.
func (e *Emitter) AddrBits() uint64 {
	return e.Layout.Arch.AddressSize()
}

// AddrType returns the integer type of addresses.
func (e *Emitter) AddrType() *types.IntType {
	return IntType(e.AddrBits())
}

// NewBlock appends a new basic block to the function being lifted.
func (e *Emitter) NewBlock() *ir.Block {
	return e.Func.NewBlock("")
}

// Const returns an integer constant of the given size in number of bits.
func (e *Emitter) Const(bits, x uint64) *constant.Int {
	return Const(bits, x)
}

// Addr returns an address-sized integer constant.
func (e *Emitter) Addr(x uint64) *constant.Int {
	return Const(e.AddrBits(), x)
}

// PCRel returns an address-sized constant derived from the program counter,
// tainted so that later passes may resolve it to a program entity.
func (e *Emitter) PCRel(x uint64) constant.Constant {
	return PCRel(e.Intr, e.AddrBits(), x)
}

// ReadReg returns the current value of the given register.
func (e *Emitter) ReadReg(name string) value.Value {
	reg, ok := e.Layout.Register(name)
	if !ok {
		panic(fmt.Errorf("support for %s register %q not yet implemented", e.Arch().Name(), name))
	}
	if reg.Parent == "" {
		return e.Block.NewLoad(IntType(reg.Bits), e.Layout.FieldPtr(e.Block, e.State, reg.Name))
	}
	parent, _ := e.Layout.Register(reg.Parent)
	v := value.Value(e.Block.NewLoad(IntType(parent.Bits), e.Layout.FieldPtr(e.Block, e.State, parent.Name)))
	if reg.Shift != 0 {
		v = e.Block.NewLShr(v, Const(parent.Bits, reg.Shift))
	}
	return e.Resize(v, reg.Bits)
}

// WriteReg assigns v to the given register; v is truncated or zero-extended
// to the size of the register.
func (e *Emitter) WriteReg(name string, v value.Value) {
	reg, ok := e.Layout.Register(name)
	if !ok {
		panic(fmt.Errorf("support for %s register %q not yet implemented", e.Arch().Name(), name))
	}
	v = e.Resize(v, reg.Bits)
	if reg.Parent == "" {
		e.Block.NewStore(v, e.Layout.FieldPtr(e.Block, e.State, reg.Name))
		return
	}
	parent, _ := e.Layout.Register(reg.Parent)
	ptr := e.Layout.FieldPtr(e.Block, e.State, parent.Name)
	old := e.Block.NewLoad(IntType(parent.Bits), ptr)
	mask := (uint64(1)<<reg.Bits - 1) << reg.Shift
	kept := e.Block.NewAnd(old, Const(parent.Bits, ^mask))
	x := e.Resize(v, parent.Bits)
	if reg.Shift != 0 {
		x = e.Block.NewShl(x, Const(parent.Bits, reg.Shift))
	}
	e.Block.NewStore(e.Block.NewOr(kept, x), ptr)
}

// Resize truncates or zero-extends the integer (or pointer) value v to the
// given size in number of bits.
func (e *Emitter) Resize(v value.Value, bits uint64) value.Value {
	if _, ok := v.Type().(*types.PointerType); ok {
		v = e.Block.NewPtrToInt(v, e.AddrType())
	}
	n := Bits(v, e.AddrBits())
	switch {
	case n < bits:
		return e.Block.NewZExt(v, IntType(bits))
	case n > bits:
		return e.Block.NewTrunc(v, IntType(bits))
	}
	return v
}

// SExt sign-extends the integer value v to the given size in number of bits.
func (e *Emitter) SExt(v value.Value, bits uint64) value.Value {
	if Bits(v, e.AddrBits()) < bits {
		return e.Block.NewSExt(v, IntType(bits))
	}
	return e.Resize(v, bits)
}

// Memory returns the current memory token.
func (e *Emitter) Memory() value.Value {
	return e.Block.NewLoad(types.I8Ptr, e.MemorySlot)
}

// SetMemory updates the memory token.
func (e *Emitter) SetMemory(mem value.Value) {
	e.Block.NewStore(mem, e.MemorySlot)
}

// ReadMem returns the value of the given size in number of bits stored at
// addr.
func (e *Emitter) ReadMem(bits uint64, addr value.Value) value.Value {
	f := e.Intr.ReadMemory(bits, e.AddrBits())
	return e.Block.NewCall(f, e.Memory(), e.Resize(addr, e.AddrBits()))
}

// WriteMem stores the integer value v at addr.
func (e *Emitter) WriteMem(addr, v value.Value) {
	if _, ok := v.Type().(*types.PointerType); ok {
		v = e.Block.NewPtrToInt(v, e.AddrType())
	}
	bits := Bits(v, e.AddrBits())
	f := e.Intr.WriteMemory(bits, e.AddrBits())
	mem := e.Block.NewCall(f, e.Memory(), e.Resize(addr, e.AddrBits()), v)
	e.SetMemory(mem)
}

// SetNextPC assigns the address of the next instruction to execute.
func (e *Emitter) SetNextPC(v value.Value) {
	e.WriteReg(NextPC, v)
}

// SetReturnPC assigns the address execution resumes at after a call.
func (e *Emitter) SetReturnPC(v value.Value) {
	e.WriteReg(ReturnPC, v)
}

// SetBranchTaken records whether a conditional branch is taken.
func (e *Emitter) SetBranchTaken(cond value.Value) {
	e.WriteReg(BranchTaken, cond)
}

// Branch emits a conditional branch to target; the not taken address is the
// fallthrough of the current instruction.
func (e *Emitter) Branch(cond value.Value, target, next uint64) {
	e.SetBranchTaken(cond)
	pc := e.Block.NewSelect(cond, e.Addr(target), e.Addr(next))
	e.SetNextPC(pc)
}

// Call emits a call to the named intrinsic; parameter types are derived from
// the arguments.
func (e *Emitter) Call(name string, ret types.Type, args ...value.Value) *ir.InstCall {
	var params []types.Type
	for _, arg := range args {
		params = append(params, arg.Type())
	}
	f := e.Intr.Func(name, ret, params...)
	return e.Block.NewCall(f, args...)
}

// IndirectJump assigns NEXT_PC the given target, through the indirect jump
// placeholder.
func (e *Emitter) IndirectJump(target value.Value) {
	target = e.Resize(target, e.AddrBits())
	f := e.Intr.Func(IndirectJump, e.AddrType(), e.AddrType())
	e.SetNextPC(e.Block.NewCall(f, target))
}

// Invalid emits the invalid instruction semantic for the current instruction.
func (e *Emitter) Invalid() {
	f := e.Intr.Func(InvalidInstruction, types.Void, e.AddrType())
	e.Block.NewCall(f, e.Addr(uint64(e.Inst.Addr)))
	e.Trapped = true
}

// ICmp emits an integer comparison.
func (e *Emitter) ICmp(pred enum.IPred, x, y value.Value) value.Value {
	return e.Block.NewICmp(pred, x, y)
}

// ### [ Helper functions ] ####################################################

// Const returns an integer constant of the given size in number of bits. The
// value is truncated to the given size.
func Const(bits, x uint64) *constant.Int {
	t := IntType(bits)
	if bits < 64 {
		x &= 1<<bits - 1
	}
	v := new(big.Int).SetUint64(x)
	// Represent values with the sign bit set as negative numbers, except for
	// booleans.
	if bits > 1 && bits <= 64 && x&(1<<(bits-1)) != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(bits)))
	}
	return &constant.Int{Typ: t, X: v}
}

// PCRel returns an address-sized constant of the given value, tainted by the
// program counter marker.
func PCRel(intr *Intrinsics, addrBits, x uint64) constant.Constant {
	pc := constant.NewPtrToInt(intr.Marker(PCMarker), IntType(addrBits))
	return constant.NewAdd(pc, Const(addrBits, x))
}

// Bits returns the size of the integer or pointer value v in number of bits.
func Bits(v value.Value, addrBits uint64) uint64 {
	switch t := v.Type().(type) {
	case *types.IntType:
		return t.BitSize
	case *types.PointerType:
		return addrBits
	}
	panic(fmt.Errorf("support for value type %T not yet implemented", v.Type()))
}
