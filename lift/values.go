package lift

import (
	"fmt"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/spec"
)

// loadValue returns the current value of the declared value, assembled from
// its storage locations. The first location holds the least significant bits.
func loadValue(e *arch.Emitter, v spec.ValueDecl) value.Value {
	bits := valueBits(e, v)
	var res value.Value
	var shift uint64
	for _, loc := range v.Locs {
		if shift >= bits {
			break
		}
		size := locBits(e, loc, bits-shift)
		var x value.Value
		if loc.IsReg() {
			x = e.Resize(e.ReadReg(loc.Reg), size)
		} else {
			x = e.ReadMem(size, locAddr(e, loc))
		}
		x = e.Resize(x, bits)
		if shift != 0 {
			x = e.Block.NewShl(x, e.Const(bits, shift))
		}
		if res == nil {
			res = x
		} else {
			res = e.Block.NewOr(res, x)
		}
		shift += size
	}
	return fromBits(e, res, v.Type)
}

// storeValue assigns x to the storage locations of the declared value.
func storeValue(e *arch.Emitter, x value.Value, v spec.ValueDecl) {
	bits := valueBits(e, v)
	raw := toBits(e, x, v.Type)
	var shift uint64
	for _, loc := range v.Locs {
		if shift >= bits {
			break
		}
		size := locBits(e, loc, bits-shift)
		part := raw
		if shift != 0 {
			part = e.Block.NewLShr(part, e.Const(bits, shift))
		}
		part = e.Resize(part, size)
		if loc.IsReg() {
			writeRegBits(e, loc.Reg, part, size)
		} else {
			e.WriteMem(locAddr(e, loc), part)
		}
		shift += size
	}
}

// writeRegBits assigns the size least significant bits of the given register,
// preserving the remaining bits.
func writeRegBits(e *arch.Emitter, name string, x value.Value, size uint64) {
	reg, _ := e.Layout.Register(name)
	if size >= reg.Bits {
		e.WriteReg(name, x)
		return
	}
	old := e.ReadReg(name)
	mask := uint64(1)<<size - 1
	kept := e.Block.NewAnd(old, e.Const(reg.Bits, ^mask))
	e.WriteReg(name, e.Block.NewOr(kept, e.Resize(x, reg.Bits)))
}

// locAddr returns the address of the memory location.
func locAddr(e *arch.Emitter, loc spec.LowLoc) value.Value {
	base := e.Resize(e.ReadReg(loc.MemReg), e.AddrBits())
	if loc.MemOffset == 0 {
		return base
	}
	return e.Block.NewAdd(base, e.Addr(uint64(loc.MemOffset)))
}

// locBits returns the size in bits of the storage location, where rem is the
// number of bits of the value not yet covered by preceding locations.
func locBits(e *arch.Emitter, loc spec.LowLoc, rem uint64) uint64 {
	size := loc.Size
	if size == 0 && loc.IsReg() {
		reg, _ := e.Layout.Register(loc.Reg)
		size = reg.Bits
	}
	if size == 0 || size > rem {
		size = rem
	}
	return size
}

// valueBits returns the size in bits of the declared value.
func valueBits(e *arch.Emitter, v spec.ValueDecl) uint64 {
	bits := spec.TypeBits(v.Type, e.AddrBits())
	if bits == 0 {
		panic(fmt.Errorf("support for value type %v not yet implemented", v.Type))
	}
	return bits
}

// fromBits converts the integer x to a value of type t.
func fromBits(e *arch.Emitter, x value.Value, t types.Type) value.Value {
	switch t := t.(type) {
	case *types.IntType:
		return e.Resize(x, t.BitSize)
	case *types.PointerType:
		return e.Block.NewIntToPtr(e.Resize(x, e.AddrBits()), t)
	case *types.FloatType:
		return e.Block.NewBitCast(x, t)
	}
	panic(fmt.Errorf("support for value type %v not yet implemented", t))
}

// toBits converts x of type t to an integer of the same size.
func toBits(e *arch.Emitter, x value.Value, t types.Type) value.Value {
	switch t := t.(type) {
	case *types.IntType:
		return x
	case *types.PointerType:
		return e.Block.NewPtrToInt(x, e.AddrType())
	case *types.FloatType:
		return e.Block.NewBitCast(x, arch.IntType(spec.TypeBits(t, e.AddrBits())))
	}
	panic(fmt.Errorf("support for value type %v not yet implemented", t))
}

// adaptToType converts the integer or pointer x to type t.
func adaptToType(e *arch.Emitter, x value.Value, t types.Type) value.Value {
	if x.Type().Equal(t) {
		return x
	}
	if _, ok := x.Type().(*types.PointerType); ok {
		x = e.Block.NewPtrToInt(x, e.AddrType())
	}
	return fromBits(e, e.Resize(x, spec.TypeBits(t, e.AddrBits())), t)
}

// ### [ Live values ] #########################################################

// frame is the layout of the frame of a lifted function, holding the
// register-backed in-scope variables live across basic block boundaries.
type frame struct {
	// Frame type.
	Type types.Type
	// Maps from variable name to field index.
	index map[string]int
}

// newFrame returns the frame layout of the given in-scope variables.
func newFrame(name string, vars []spec.ParameterDecl, def func(name string, t types.Type) types.Type) *frame {
	fr := &frame{index: make(map[string]int)}
	var fields []types.Type
	for _, v := range vars {
		if v.HasMemLoc() {
			continue
		}
		fr.index[v.Name] = len(fields)
		fields = append(fields, v.Type)
	}
	fr.Type = def(name, types.NewStruct(fields...))
	return fr
}

// fieldPtr returns a pointer to the frame field of the given variable.
func (fr *frame) fieldPtr(e *arch.Emitter, ptr value.Value, name string) value.Value {
	i, ok := fr.index[name]
	if !ok {
		panic(fmt.Errorf("frame has no field for variable %q", name))
	}
	zero := constant.NewInt(types.I32, 0)
	idx := constant.NewInt(types.I32, int64(i))
	return e.Block.NewGetElementPtr(fr.Type, ptr, zero, idx)
}

// pack stores the values of the register-backed variables from the processor
// state into the frame, in declared order. Memory-backed variables are never
// duplicated into the frame.
func (fr *frame) pack(e *arch.Emitter, ptr value.Value, vars []spec.ParameterDecl) {
	for _, v := range vars {
		if v.HasMemLoc() {
			continue
		}
		x := loadValue(e, v.ValueDecl)
		e.Block.NewStore(x, fr.fieldPtr(e, ptr, v.Name))
	}
}

// unpack loads the values of the register-backed variables from the frame
// into the processor state, in declared order.
func (fr *frame) unpack(e *arch.Emitter, ptr value.Value, vars []spec.ParameterDecl) {
	for _, v := range vars {
		if v.HasMemLoc() {
			continue
		}
		x := e.Block.NewLoad(v.Type, fr.fieldPtr(e, ptr, v.Name))
		storeValue(e, x, v.ValueDecl)
	}
}
