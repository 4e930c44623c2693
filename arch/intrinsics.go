package arch

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
)

// Names of well-known intrinsics and marker globals.
const (
	// Prefix of memory read intrinsics; suffixed by the access size in bits.
	ReadMemoryPrefix = "__lifter_read_memory_"
	// Prefix of memory write intrinsics; suffixed by the access size in bits.
	WriteMemoryPrefix = "__lifter_write_memory_"
	// Call to a function without known prototype.
	FunctionCall = "__lifter_function_call"
	// Unrecoverable lifter error; never returns.
	ErrorIntrinsic = "__lifter_error"
	// Invalid or unsupported instruction; never returns.
	InvalidInstruction = "__lifter_invalid_instruction"
	// Indirect jump placeholder; returns its operand.
	IndirectJump = "__lifter_indirect_jump"
	// Prefix of type hint intrinsics; suffixed by the hinted type.
	TypeHintPrefix = "__lifter_type_hint."
	// Program counter taint marker.
	PCMarker = "__lifter_pc"
	// Stack pointer base marker.
	SPMarker = "__lifter_sp"
	// Return address base marker.
	RAMarker = "__lifter_ra"
)

// Intrinsics is the set of intrinsic functions and marker globals declared in
// a module. Intrinsics are declared lazily on first use.
type Intrinsics struct {
	// LLVM IR module.
	Module *ir.Module
	// Maps from name to intrinsic function.
	funcs map[string]*ir.Func
	// Maps from name to marker global.
	globals map[string]*ir.Global
}

// NewIntrinsics returns the intrinsics of the given module.
func NewIntrinsics(m *ir.Module) *Intrinsics {
	intr := &Intrinsics{
		Module:  m,
		funcs:   make(map[string]*ir.Func),
		globals: make(map[string]*ir.Global),
	}
	for _, f := range m.Funcs {
		if strings.HasPrefix(f.Name(), "__lifter_") {
			intr.funcs[f.Name()] = f
		}
	}
	for _, g := range m.Globals {
		if strings.HasPrefix(g.Name(), "__lifter_") {
			intr.globals[g.Name()] = g
		}
	}
	return intr
}

// Func returns the intrinsic function with the given name and signature,
// declaring it if not yet present.
func (intr *Intrinsics) Func(name string, ret types.Type, params ...types.Type) *ir.Func {
	if f, ok := intr.funcs[name]; ok {
		return f
	}
	var ps []*ir.Param
	for _, param := range params {
		ps = append(ps, ir.NewParam("", param))
	}
	f := intr.Module.NewFunc(name, ret, ps...)
	switch name {
	case ErrorIntrinsic, InvalidInstruction:
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoReturn)
	}
	intr.funcs[name] = f
	return f
}

// Lookup returns the intrinsic function with the given name, if declared.
func (intr *Intrinsics) Lookup(name string) (*ir.Func, bool) {
	f, ok := intr.funcs[name]
	return f, ok
}

// Marker returns the marker global with the given name, declaring it if not
// yet present.
func (intr *Intrinsics) Marker(name string) *ir.Global {
	if g, ok := intr.globals[name]; ok {
		return g
	}
	g := intr.Module.NewGlobal(name, types.I8)
	intr.globals[name] = g
	return g
}

// ReadMemory returns the memory read intrinsic of the given access size.
func (intr *Intrinsics) ReadMemory(bits, addrBits uint64) *ir.Func {
	name := fmt.Sprintf("%s%d", ReadMemoryPrefix, bits)
	return intr.Func(name, IntType(bits), types.I8Ptr, IntType(addrBits))
}

// WriteMemory returns the memory write intrinsic of the given access size.
func (intr *Intrinsics) WriteMemory(bits, addrBits uint64) *ir.Func {
	name := fmt.Sprintf("%s%d", WriteMemoryPrefix, bits)
	return intr.Func(name, types.I8Ptr, types.I8Ptr, IntType(addrBits), IntType(bits))
}

// TypeHint returns the type hint intrinsic of the given type.
func (intr *Intrinsics) TypeHint(t types.Type) *ir.Func {
	return intr.Func(TypeHintName(t), t, t)
}

// TypeHintName returns the name of the type hint intrinsic of the given type.
func TypeHintName(t types.Type) string {
	s := strings.NewReplacer("*", "p", " ", "", "{", "s_", "}", "_e", ",", "_").Replace(t.String())
	return TypeHintPrefix + s
}

// IsReadMemory reports whether f is a memory read intrinsic and returns its
// access size in bits.
func IsReadMemory(f *ir.Func) (uint64, bool) {
	var bits uint64
	if !strings.HasPrefix(f.Name(), ReadMemoryPrefix) {
		return 0, false
	}
	if _, err := fmt.Sscanf(f.Name()[len(ReadMemoryPrefix):], "%d", &bits); err != nil {
		return 0, false
	}
	return bits, true
}

// IsWriteMemory reports whether f is a memory write intrinsic.
func IsWriteMemory(f *ir.Func) bool {
	return strings.HasPrefix(f.Name(), WriteMemoryPrefix)
}

// IntType returns the integer type of the given size in number of bits.
func IntType(bits uint64) *types.IntType {
	switch bits {
	case 1:
		return types.I1
	case 8:
		return types.I8
	case 16:
		return types.I16
	case 32:
		return types.I32
	case 64:
		return types.I64
	case 128:
		return types.I128
	}
	return types.NewInt(bits)
}
