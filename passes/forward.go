package passes

import (
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
)

// ForwardStores replaces loads from processor state fields, frame fields and
// other locations of known base with the value of the reaching store or of an
// earlier load of the same location, and returns the number of replaced loads.
//
// The reaching access is searched backwards from the load, in its basic block
// and the chain of unique predecessors. Loads without a reaching access, or
// preceded by a potentially aliasing store or call, are kept.
func ForwardStores(f *ir.Func) int {
	ps := preds(f)
	esc := escaped(f)
	replaced := make(map[ir.Instruction]value.Value)
	for _, block := range f.Blocks {
		for i, inst := range block.Insts {
			load, ok := inst.(*ir.InstLoad)
			if !ok || load.Volatile {
				continue
			}
			loc, ok := locate(load.Src)
			if !ok {
				continue
			}
			x, ok := reachingStore(block, i, loc, ps, esc)
			if !ok || !x.Type().Equal(load.Type()) {
				continue
			}
			// Earlier loads may have been replaced already.
			for {
				prev, ok := x.(ir.Instruction)
				if !ok || replaced[prev] == nil {
					break
				}
				x = replaced[prev]
			}
			replaceUses(f, load, x)
			replaced[load] = x
		}
	}
	if len(replaced) == 0 {
		return 0
	}
	for _, block := range f.Blocks {
		insts := block.Insts[:0]
		for _, inst := range block.Insts {
			if replaced[inst] == nil {
				insts = append(insts, inst)
			}
		}
		block.Insts = insts
	}
	foldSubRegisters(f)
	removeDeadInsts(f)
	return len(replaced)
}

// location is a memory location of known base, addressed by constant
// indices.
type location struct {
	// Alloca, parameter or global variable.
	base value.Value
	// Element type of the address computation; nil if base is addressed
	// directly.
	elem types.Type
	// Constant indices of the address computation.
	path []int64
}

// locate returns the memory location addressed by ptr.
func locate(ptr value.Value) (location, bool) {
	switch p := ptr.(type) {
	case *ir.InstAlloca, *ir.Param, *ir.Global:
		return location{base: p}, true
	case *ir.InstGetElementPtr:
		return locateElem(p.Src, p.ElemType, p.Indices)
	case *constant.ExprGetElementPtr:
		var indices []value.Value
		for _, index := range p.Indices {
			indices = append(indices, index)
		}
		return locateElem(p.Src, p.ElemType, indices)
	}
	return location{}, false
}

// locateElem returns the memory location of an address computation with
// constant indices from the given base.
func locateElem(src value.Value, elem types.Type, indices []value.Value) (location, bool) {
	base, ok := locate(src)
	if !ok || base.elem != nil {
		return location{}, false
	}
	loc := location{base: base.base, elem: elem}
	for _, index := range indices {
		if i, ok := index.(*constant.Index); ok {
			index = i.Constant
		}
		c, ok := index.(*constant.Int)
		if !ok {
			return location{}, false
		}
		loc.path = append(loc.path, c.X.Int64())
	}
	return loc, true
}

// aliasKind specifies whether two memory locations overlap.
type aliasKind uint8

// Alias kinds.
const (
	noAlias aliasKind = iota
	mayAlias
	mustAlias
)

// alias returns whether the memory locations a and b overlap.
func alias(a, b location) aliasKind {
	if a.base != b.base {
		if isAlloca(a.base) || isAlloca(b.base) {
			return noAlias
		}
		return mayAlias
	}
	if len(a.path) == 0 && len(b.path) == 0 {
		return mustAlias
	}
	if a.elem == nil || b.elem == nil || !a.elem.Equal(b.elem) {
		return mayAlias
	}
	for i := 0; i < len(a.path) && i < len(b.path); i++ {
		if a.path[i] == b.path[i] {
			continue
		}
		// Distinct fields or elements of the same aggregate.
		if i > 0 {
			return noAlias
		}
		return mayAlias
	}
	if len(a.path) == len(b.path) {
		return mustAlias
	}
	return mayAlias
}

// isAlloca reports whether v is a stack allocation.
func isAlloca(v value.Value) bool {
	_, ok := v.(*ir.InstAlloca)
	return ok
}

// escaped returns the stack allocations of f whose address is passed to calls
// or stored to memory.
func escaped(f *ir.Func) map[value.Value]bool {
	esc := make(map[value.Value]bool)
	mark := func(v value.Value) {
		if loc, ok := locate(v); ok && isAlloca(loc.base) {
			esc[loc.base] = true
		}
	}
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			switch inst := inst.(type) {
			case *ir.InstCall:
				for _, arg := range inst.Args {
					mark(arg)
				}
			case *ir.InstStore:
				mark(inst.Src)
			}
		}
	}
	return esc
}

// reachingStore returns the value stored to loc by the store reaching the i:th
// instruction of block, or the value of a load of loc in between.
func reachingStore(block *ir.Block, i int, loc location, ps map[*ir.Block][]*ir.Block, esc map[value.Value]bool) (value.Value, bool) {
	visited := make(map[*ir.Block]bool)
	for cur := block; ; {
		visited[cur] = true
		for j := i - 1; j >= 0; j-- {
			switch inst := cur.Insts[j].(type) {
			case *ir.InstStore:
				dst, ok := locate(inst.Dst)
				if !ok {
					return nil, false
				}
				switch alias(loc, dst) {
				case mustAlias:
					return inst.Src, true
				case mayAlias:
					return nil, false
				}
			case *ir.InstLoad:
				src, ok := locate(inst.Src)
				if ok && !inst.Volatile && alias(loc, src) == mustAlias {
					return inst, true
				}
			case *ir.InstCall:
				if clobbers(inst, loc, esc) {
					return nil, false
				}
			case *ir.InstAtomicRMW, *ir.InstCmpXchg, *ir.InstVAArg:
				return nil, false
			}
		}
		if len(ps[cur]) != 1 {
			return nil, false
		}
		cur = ps[cur][0]
		if visited[cur] {
			return nil, false
		}
		i = len(cur.Insts)
	}
}

// clobbers reports whether call may write to the memory location loc.
func clobbers(call *ir.InstCall, loc location, esc map[value.Value]bool) bool {
	for _, arg := range call.Args {
		if l, ok := locate(arg); ok && l.base == loc.base {
			return true
		}
	}
	if isAlloca(loc.base) && !esc[loc.base] {
		return false
	}
	if _, ok := loc.base.(*ir.Param); ok {
		// Frames are only reachable through the calls they are passed to.
		return false
	}
	return !isStateFree(call)
}

// isStateFree reports whether call is a call to an intrinsic which accesses
// neither the processor state nor program variables.
func isStateFree(call *ir.InstCall) bool {
	name, ok := calleeName(call)
	if !ok {
		return false
	}
	switch {
	case strings.HasPrefix(name, arch.ReadMemoryPrefix),
		strings.HasPrefix(name, arch.WriteMemoryPrefix),
		strings.HasPrefix(name, arch.TypeHintPrefix),
		strings.HasPrefix(name, "llvm."),
		name == arch.IndirectJump:
		return true
	}
	return false
}

// foldSubRegisters replaces truncations of merged sub-register writes by the
// written value, as in
//
//	trunc (or (and x, C), zext y) to T  =>  y
//
// where y has type T and the low bits of C covered by y are zero.
func foldSubRegisters(f *ir.Func) {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			t, ok := inst.(*ir.InstTrunc)
			if !ok {
				continue
			}
			if y, ok := mergedLow(t.From, t.To); ok {
				replaceUses(f, t, y)
			}
		}
	}
}

// mergedLow returns y if v is a merge of y of type t into the low bits of an
// integer, or a zero-extension of y.
func mergedLow(v value.Value, t types.Type) (value.Value, bool) {
	switch v := v.(type) {
	case *ir.InstZExt:
		if v.From.Type().Equal(t) {
			return v.From, true
		}
	case *ir.InstOr:
		bits := bitsOf(t, 0)
		for _, pair := range [][2]value.Value{{v.X, v.Y}, {v.Y, v.X}} {
			and, ok := pair[0].(*ir.InstAnd)
			if !ok {
				continue
			}
			c, ok := and.Y.(*constant.Int)
			if !ok || bits == 0 || truncate(intBits(c), bits) != 0 {
				continue
			}
			if ext, ok := pair[1].(*ir.InstZExt); ok && ext.From.Type().Equal(t) {
				return ext.From, true
			}
		}
	}
	return nil, false
}
