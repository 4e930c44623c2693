package xref

import (
	"fmt"
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
)

// Reference is the result of folding a value to an address.
type Reference struct {
	// Folded address; relative to the marker base if the value references the
	// program counter, stack pointer or return address.
	Address bin.Addr
	// Size in bits of the folded value.
	Bits uint64
	// The value folds to a constant address.
	IsValid bool
	// The value is derived from a lifted program entity.
	ReferencesEntity bool
	// The value is derived from a global variable or function.
	ReferencesGlobalValue bool
	// The value is derived from the program counter marker.
	ReferencesProgramCounter bool
	// The value is derived from the return address marker.
	ReferencesReturnAddress bool
	// The value is derived from the stack pointer marker.
	ReferencesStackPointer bool
}

// String returns a string representation of the reference.
func (ref Reference) String() string {
	if !ref.IsValid {
		return "invalid"
	}
	s := ref.Address.String()
	for _, flag := range []struct {
		set  bool
		name string
	}{
		{ref.ReferencesEntity, "entity"},
		{ref.ReferencesGlobalValue, "global"},
		{ref.ReferencesProgramCounter, "pc"},
		{ref.ReferencesReturnAddress, "ra"},
		{ref.ReferencesStackPointer, "sp"},
	} {
		if flag.set {
			s += " " + flag.name
		}
	}
	return s
}

// IsEntityUse reports whether the reference may soundly be replaced by a use
// of the entity at its address.
func (ref Reference) IsEntityUse() bool {
	if !ref.IsValid || ref.ReferencesReturnAddress || ref.ReferencesStackPointer {
		return false
	}
	return ref.ReferencesEntity || ref.ReferencesGlobalValue || ref.ReferencesProgramCounter
}

// merge returns the flags of ref combined with those of other.
func (ref Reference) merge(other Reference) Reference {
	ref.IsValid = ref.IsValid && other.IsValid
	ref.ReferencesEntity = ref.ReferencesEntity || other.ReferencesEntity
	ref.ReferencesGlobalValue = ref.ReferencesGlobalValue || other.ReferencesGlobalValue
	ref.ReferencesProgramCounter = ref.ReferencesProgramCounter || other.ReferencesProgramCounter
	ref.ReferencesReturnAddress = ref.ReferencesReturnAddress || other.ReferencesReturnAddress
	ref.ReferencesStackPointer = ref.ReferencesStackPointer || other.ReferencesStackPointer
	return ref
}

// Folder folds values of an LLVM IR module to references, and materializes the
// entities they reference.
//
// Folded values are cached for the lifetime of the folder; callers folding
// values of unrelated instructions within one pass must clear the cache, as
// TryResolveReferenceWithClearedCache does.
type Folder struct {
	// Cross-reference resolver.
	r *Resolver
	// LLVM IR module.
	m *ir.Module
	// Cache of folded values.
	cache map[value.Value]Reference
}

// NewFolder returns a new folder of values of m.
func NewFolder(r *Resolver, m *ir.Module) *Folder {
	return &Folder{
		r:     r,
		m:     m,
		cache: make(map[value.Value]Reference),
	}
}

// Resolver returns the cross-reference resolver of the folder.
func (fo *Folder) Resolver() *Resolver {
	return fo.r
}

// ClearCache clears the cache of folded values.
func (fo *Folder) ClearCache() {
	fo.cache = make(map[value.Value]Reference)
}

// TryResolveReferenceWithClearedCache clears the cache and folds v.
func (fo *Folder) TryResolveReferenceWithClearedCache(v value.Value) Reference {
	fo.ClearCache()
	return fo.TryResolveReference(v)
}

// TryResolveReference folds v to a reference.
func (fo *Folder) TryResolveReference(v value.Value) Reference {
	if ref, ok := fo.cache[v]; ok {
		return ref
	}
	// Guard against cycles through instructions.
	fo.cache[v] = Reference{}
	ref := fo.fold(v)
	if ref.IsValid {
		ref.Address = bin.Addr(truncate(uint64(ref.Address), ref.Bits))
	}
	fo.cache[v] = ref
	return ref
}

// fold folds v to a reference.
func (fo *Folder) fold(v value.Value) Reference {
	bits := fo.bitsOf(v.Type())
	switch v := v.(type) {
	case *constant.Int:
		return Reference{Address: bin.Addr(intValue(v)), Bits: bits, IsValid: true}
	case *constant.Null:
		return Reference{Bits: bits, IsValid: true}
	case *ir.Global:
		return fo.foldGlobal(v.Name(), bits)
	case *ir.Func:
		return fo.foldGlobal(v.Name(), bits)

	// Constant expressions.
	case *constant.ExprPtrToInt:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *constant.ExprIntToPtr:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *constant.ExprBitCast:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *constant.ExprZExt:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *constant.ExprSExt:
		return fo.resize(fo.TryResolveReference(v.From), bits, true)
	case *constant.ExprTrunc:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *constant.ExprAdd:
		return fo.binary(v.X, v.Y, bits, opAdd)
	case *constant.ExprSub:
		return fo.binary(v.X, v.Y, bits, opSub)
	case *constant.ExprMul:
		return fo.binary(v.X, v.Y, bits, opMul)
	case *constant.ExprShl:
		return fo.binary(v.X, v.Y, bits, opShl)
	case *constant.ExprLShr:
		return fo.binary(v.X, v.Y, bits, opLShr)
	case *constant.ExprAnd:
		return fo.binary(v.X, v.Y, bits, opAnd)
	case *constant.ExprOr:
		return fo.binary(v.X, v.Y, bits, opOr)
	case *constant.ExprXor:
		return fo.binary(v.X, v.Y, bits, opXor)
	case *constant.ExprGetElementPtr:
		indices := make([]value.Value, len(v.Indices))
		for i, index := range v.Indices {
			indices[i] = index
		}
		return fo.gep(v.ElemType, v.Src, indices, bits)

	// Instructions.
	case *ir.InstPtrToInt:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *ir.InstIntToPtr:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *ir.InstBitCast:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *ir.InstZExt:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *ir.InstSExt:
		return fo.resize(fo.TryResolveReference(v.From), bits, true)
	case *ir.InstTrunc:
		return fo.resize(fo.TryResolveReference(v.From), bits, false)
	case *ir.InstAdd:
		return fo.binary(v.X, v.Y, bits, opAdd)
	case *ir.InstSub:
		return fo.binary(v.X, v.Y, bits, opSub)
	case *ir.InstMul:
		return fo.binary(v.X, v.Y, bits, opMul)
	case *ir.InstShl:
		return fo.binary(v.X, v.Y, bits, opShl)
	case *ir.InstLShr:
		return fo.binary(v.X, v.Y, bits, opLShr)
	case *ir.InstAnd:
		return fo.binary(v.X, v.Y, bits, opAnd)
	case *ir.InstOr:
		return fo.binary(v.X, v.Y, bits, opOr)
	case *ir.InstXor:
		return fo.binary(v.X, v.Y, bits, opXor)
	case *ir.InstGetElementPtr:
		return fo.gep(v.ElemType, v.Src, v.Indices, bits)
	}
	return Reference{}
}

// foldGlobal folds the global variable or function of the given name.
func (fo *Folder) foldGlobal(name string, bits uint64) Reference {
	ref := Reference{Bits: bits, IsValid: true}
	switch name {
	case arch.PCMarker:
		ref.ReferencesProgramCounter = true
		return ref
	case arch.SPMarker:
		ref.ReferencesStackPointer = true
		return ref
	case arch.RAMarker:
		ref.ReferencesReturnAddress = true
		return ref
	}
	addr, ok := fo.r.AddressOfEntity(name)
	if !ok {
		return Reference{Bits: bits, ReferencesGlobalValue: true}
	}
	ref.Address = addr
	ref.ReferencesEntity = true
	ref.ReferencesGlobalValue = true
	return ref
}

// resize returns ref resized to the given number of bits.
func (fo *Folder) resize(ref Reference, bits uint64, signed bool) Reference {
	if !ref.IsValid {
		return Reference{Bits: bits}
	}
	x := uint64(ref.Address)
	if signed && ref.Bits < bits && ref.Bits > 0 && x&(1<<(ref.Bits-1)) != 0 {
		x |= ^uint64(0) << ref.Bits
	}
	ref.Address = bin.Addr(truncate(x, bits))
	ref.Bits = bits
	return ref
}

// Binary operations.
const (
	opAdd = iota
	opSub
	opMul
	opShl
	opLShr
	opAnd
	opOr
	opXor
)

// binary folds the binary operation op of x and y.
func (fo *Folder) binary(x, y value.Value, bits uint64, op int) Reference {
	l := fo.TryResolveReference(x)
	r := fo.TryResolveReference(y)
	ref := l.merge(r)
	ref.Bits = bits
	if !ref.IsValid {
		return Reference{Bits: bits}
	}
	a, b := uint64(l.Address), uint64(r.Address)
	var res uint64
	switch op {
	case opAdd:
		res = a + b
	case opSub:
		res = a - b
	case opMul:
		res = a * b
	case opShl:
		res = a << b
	case opLShr:
		res = a >> b
	case opAnd:
		res = a & b
	case opOr:
		res = a | b
	case opXor:
		res = a ^ b
	}
	ref.Address = bin.Addr(truncate(res, bits))
	return ref
}

// gep folds a getelementptr with a single index.
func (fo *Folder) gep(elemType types.Type, src value.Value, indices []value.Value, bits uint64) Reference {
	if len(indices) != 1 {
		return Reference{Bits: bits}
	}
	size := spec.TypeBits(elemType, fo.r.addrBits) / 8
	if size == 0 {
		return Reference{Bits: bits}
	}
	base := fo.TryResolveReference(src)
	idx := fo.TryResolveReference(indices[0])
	ref := base.merge(idx)
	ref.Bits = bits
	if !ref.IsValid {
		return Reference{Bits: bits}
	}
	ref.Address = bin.Addr(truncate(uint64(base.Address)+uint64(idx.Address)*size, bits))
	return ref
}

// bitsOf returns the size in bits of values of type t.
func (fo *Folder) bitsOf(t types.Type) uint64 {
	return spec.TypeBits(t, fo.r.addrBits)
}

// ### [ Entities ] ############################################################

// EntityAtAddress returns a pointer to the program entity at addr, declaring
// the entity in the module of the folder if not yet present. Addresses within
// a global variable are displaced from the start of the variable.
func (fo *Folder) EntityAtAddress(addr bin.Addr) (constant.Constant, bool) {
	e, ok := fo.r.EntityAtAddress(addr)
	if !ok {
		return nil, false
	}
	var g constant.Constant
	switch e.Kind {
	case KindFunction:
		g = fo.function(e.Name, e.Func)
	case KindVariable:
		g = fo.global(e.Name, e.Var.Type)
	case KindSymbol:
		g = fo.global(e.Name, types.I8)
	default:
		panic(fmt.Errorf("support for entity kind %d not yet implemented", e.Kind))
	}
	if e.Offset == 0 {
		return g, true
	}
	ptr := constant.NewBitCast(g, types.I8Ptr)
	off := constant.NewInt(arch.IntType(fo.r.addrBits), int64(e.Offset))
	return constant.NewGetElementPtr(types.I8, ptr, off), true
}

// function returns the function of the given name, declaring it if not
// present.
func (fo *Folder) function(name string, decl *spec.FunctionDecl) *ir.Func {
	for _, f := range fo.m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	var params []*ir.Param
	for _, param := range decl.Params {
		params = append(params, ir.NewParam(param.Name, param.Type))
	}
	f := fo.m.NewFunc(name, decl.ReturnType(), params...)
	f.Sig.Variadic = decl.IsVariadic
	dbg.Printf("declared function %q", name)
	return f
}

// global returns the global variable of the given name, declaring it with
// type t if not present.
func (fo *Folder) global(name string, t types.Type) *ir.Global {
	for _, g := range fo.m.Globals {
		if g.Name() == name {
			return g
		}
	}
	g := fo.m.NewGlobal(name, t)
	dbg.Printf("declared global variable %q", name)
	return g
}

// ### [ Helper functions ] ####################################################

// intValue returns the two's complement value of the integer constant.
func intValue(c *constant.Int) uint64 {
	x := c.X
	if x.Sign() < 0 {
		x = new(big.Int).Add(x, new(big.Int).Lsh(big.NewInt(1), 64))
	}
	return x.Uint64()
}

// truncate returns the bits least significant bits of x.
func truncate(x, bits uint64) uint64 {
	if bits == 0 || bits >= 64 {
		return x
	}
	return x & (1<<bits - 1)
}
