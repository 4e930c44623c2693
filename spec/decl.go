// Package spec defines the declarative per-function specification consumed by
// the lifter: functions, variables, basic blocks, control-flow overrides and
// type hints.
//
// Specification data is immutable once decoded and may be shared between
// goroutines lifting distinct functions.
package spec

import (
	"sort"

	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/bin"
)

// Uid uniquely identifies a basic block within the control flow graph of one
// function.
type Uid uint64

// LowLoc is one storage location of a declared value; either a register or a
// memory location relative to a base register.
type LowLoc struct {
	// Register name; empty if memory-backed.
	Reg string
	// Base register of the memory location; empty if register-backed.
	MemReg string
	// Offset in bytes from the base register.
	MemOffset int64
	// Size in bits of the location; zero implies the full register (or value
	// type size for memory locations).
	Size uint64
}

// IsReg reports whether the location is register-backed.
func (loc LowLoc) IsReg() bool {
	return loc.Reg != ""
}

// IsMem reports whether the location is memory-backed.
func (loc LowLoc) IsMem() bool {
	return loc.MemReg != ""
}

// ValueDecl is a declared value; its type and ordered list of storage
// locations. The first location holds the least significant bits.
type ValueDecl struct {
	// Value type.
	Type types.Type
	// Storage locations.
	Locs []LowLoc
}

// HasRegLoc reports whether any location of the value is a register.
func (v ValueDecl) HasRegLoc() bool {
	for _, loc := range v.Locs {
		if loc.IsReg() {
			return true
		}
	}
	return false
}

// HasMemLoc reports whether any location of the value is in memory.
func (v ValueDecl) HasMemLoc() bool {
	for _, loc := range v.Locs {
		if loc.IsMem() {
			return true
		}
	}
	return false
}

// CheckLocs checks that the locations of the value are either entirely
// register-backed or entirely memory-backed.
func (v ValueDecl) CheckLocs(addr bin.Addr, name string) error {
	if len(v.Locs) == 0 {
		return Errorf(uint64(addr), "value %q has no storage locations", name)
	}
	for _, loc := range v.Locs {
		if loc.IsReg() == loc.IsMem() {
			return Errorf(uint64(addr), "location of value %q must name exactly one of register or memory base register", name)
		}
	}
	if v.HasRegLoc() && v.HasMemLoc() {
		return Errorf(uint64(addr), "value %q is split across register and memory locations", name)
	}
	return nil
}

// ParameterDecl is a named value declaration.
type ParameterDecl struct {
	ValueDecl
	// Parameter name.
	Name string
}

// VariableDecl is a global variable declaration.
type VariableDecl struct {
	// Address of the variable.
	Address bin.Addr
	// Variable name; a name is synthesized from the address if empty.
	Name string
	// Variable type.
	Type types.Type
	// Size in bytes; zero implies the size of the type.
	Size uint64
}

// Contains reports whether addr is within the extent of the variable, where
// pointers are addrBits wide.
func (v *VariableDecl) Contains(addr bin.Addr, addrBits uint64) bool {
	size := v.Size
	if size == 0 {
		size = (TypeBits(v.Type, addrBits) + 7) / 8
	}
	if size == 0 {
		size = 1
	}
	return v.Address <= addr && addr < v.Address+bin.Addr(size)
}

// CallableDecl is the prototype of a callable entity.
type CallableDecl struct {
	// Parameters in declaration order.
	Params []ParameterDecl
	// Return values; a function returning more than one value returns a
	// structure of the return values.
	Returns []ValueDecl
	// Function does not return.
	IsNoReturn bool
	// Function is variadic.
	IsVariadic bool
}

// ReturnType returns the LLVM IR return type of the callable.
func (c *CallableDecl) ReturnType() types.Type {
	switch len(c.Returns) {
	case 0:
		return types.Void
	case 1:
		return c.Returns[0].Type
	}
	var fields []types.Type
	for _, ret := range c.Returns {
		fields = append(fields, ret.Type)
	}
	return types.NewStruct(fields...)
}

// FuncType returns the LLVM IR function type of the callable.
func (c *CallableDecl) FuncType() *types.FuncType {
	var params []types.Type
	for _, param := range c.Params {
		params = append(params, param.Type)
	}
	sig := types.NewFunc(c.ReturnType(), params...)
	sig.Variadic = c.IsVariadic
	return sig
}

// CallSiteDecl is a call-site specific prototype, overriding the general type
// of the called function.
type CallSiteDecl struct {
	CallableDecl
	// Address of the function containing the call site.
	FuncAddr bin.Addr
	// Address of the call instruction.
	CallSite bin.Addr
}

// TypeHint asserts the type of a value at the given instruction address.
type TypeHint struct {
	// Address of the instruction after which the hint applies.
	TargetAddr bin.Addr
	// Hinted value.
	Hint ValueDecl
}

// StackOffset is an affine equality relating a value to the stack pointer on
// entry to a basic block; Target = SP + Offset.
type StackOffset struct {
	// Offset in bytes from the stack pointer.
	Offset int64
	// Value equal to the stack pointer plus offset.
	Target ValueDecl
}

// RegConstant is a constant value held by a register on entry to a basic
// block.
type RegConstant struct {
	// Constant value.
	Value uint64
	// Value is an address and should be tainted by the program counter.
	TaintByPC bool
	// Value holding the constant.
	Target ValueDecl
}

// CodeBlock is a basic block of a function.
type CodeBlock struct {
	// Address of the first instruction.
	Addr bin.Addr
	// Size in bytes.
	Size uint64
	// Unique identifier within the function.
	Uid Uid
	// Unique identifiers of successor basic blocks.
	OutgoingEdges []Uid
	// Context register assignments applied before decoding.
	ContextAssignments map[string]uint64
}

// End returns the address one past the last byte of the basic block.
func (block CodeBlock) End() bin.Addr {
	return block.Addr + bin.Addr(block.Size)
}

// BlockContext holds the per-block facts recovered for a basic block.
type BlockContext struct {
	// In-scope variables live on entry, in declared order.
	LiveAtEntry []ParameterDecl
	// In-scope variables live on exit, in declared order.
	LiveAtExit []ParameterDecl
	// Affine stack pointer equalities on entry.
	StackOffsetsAtEntry []StackOffset
	// Register constants on entry.
	ConstantsAtEntry []RegConstant
}

// FunctionDecl is the declaration of a function to lift.
type FunctionDecl struct {
	CallableDecl
	// Entry address.
	Address bin.Addr
	// Function name; a name is synthesized from the address if empty.
	Name string
	// In-scope variables, in declared order.
	InScopeVars []ParameterDecl
	// Type hints sorted by target address.
	TypeHints []TypeHint
	// Basic blocks of the function.
	CFG map[Uid]CodeBlock
	// Unique identifier of the entry basic block.
	EntryUid Uid
	// Per-block contexts; blocks without context have all in-scope variables
	// live on entry and exit.
	Contexts map[Uid]*BlockContext
}

// Block returns the basic block with the given unique identifier.
func (f *FunctionDecl) Block(uid Uid) (CodeBlock, error) {
	block, ok := f.CFG[uid]
	if !ok {
		return CodeBlock{}, Errorf(uint64(f.Address), "reference to unknown basic block uid %d", uid)
	}
	return block, nil
}

// Uids returns the unique identifiers of the basic blocks of the function in
// ascending order.
func (f *FunctionDecl) Uids() []Uid {
	uids := make([]Uid, 0, len(f.CFG))
	for uid := range f.CFG {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Context returns the block context of the given basic block.
func (f *FunctionDecl) Context(uid Uid) *BlockContext {
	if ctx, ok := f.Contexts[uid]; ok && ctx != nil {
		return ctx
	}
	return &BlockContext{LiveAtEntry: f.InScopeVars, LiveAtExit: f.InScopeVars}
}

// HintsAt returns the type hints targeting the given instruction address.
func (f *FunctionDecl) HintsAt(addr bin.Addr) []TypeHint {
	hints := f.TypeHints
	start := sort.Search(len(hints), func(i int) bool { return hints[i].TargetAddr >= addr })
	end := sort.Search(len(hints), func(i int) bool { return hints[i].TargetAddr > addr })
	return hints[start:end]
}

// Validate checks the internal consistency of the function declaration.
func (f *FunctionDecl) Validate() error {
	if len(f.CFG) == 0 {
		return Errorf(uint64(f.Address), "function has no basic blocks")
	}
	if _, ok := f.CFG[f.EntryUid]; !ok {
		return Errorf(uint64(f.Address), "entry basic block uid %d not present in CFG", f.EntryUid)
	}
	for _, uid := range f.Uids() {
		block := f.CFG[uid]
		if block.Uid != uid {
			return Errorf(uint64(f.Address), "basic block at %v keyed by uid %d has uid %d", block.Addr, uid, block.Uid)
		}
		for _, succ := range block.OutgoingEdges {
			if _, ok := f.CFG[succ]; !ok {
				return Errorf(uint64(f.Address), "edge from basic block %d references unknown uid %d", uid, succ)
			}
		}
	}
	for _, v := range f.InScopeVars {
		if err := v.CheckLocs(f.Address, v.Name); err != nil {
			return err
		}
	}
	for _, param := range f.Params {
		if err := param.CheckLocs(f.Address, param.Name); err != nil {
			return err
		}
	}
	for i, ret := range f.Returns {
		if err := ret.CheckLocs(f.Address, "return value"); err != nil {
			return err
		}
		if len(f.Returns) > 1 && ret.HasMemLoc() {
			return Errorf(uint64(f.Address), "return value %d of multi-value return must be register-backed", i)
		}
	}
	if !sort.SliceIsSorted(f.TypeHints, func(i, j int) bool { return f.TypeHints[i].TargetAddr < f.TypeHints[j].TargetAddr }) {
		return Errorf(uint64(f.Address), "type hints not sorted by target address")
	}
	for _, hint := range f.TypeHints {
		if err := hint.Hint.CheckLocs(hint.TargetAddr, "type hint"); err != nil {
			return err
		}
	}
	return nil
}
