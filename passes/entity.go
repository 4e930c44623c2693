package passes

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/xref"
)

// EntityAddrMetadata is the name of the metadata attachment holding the
// address of a rewritten entity.
const EntityAddrMetadata = "lifter.pc"

// EntityUse is an operand rewritten into a use of a program entity.
type EntityUse struct {
	// Instruction (ir.Instruction) or terminator (ir.Terminator) of the
	// operand.
	Inst interface{}
	// Operand index.
	Index int
	// Reference of the original operand.
	Ref xref.Reference
	// Replacement operand.
	Entity constant.Constant
}

// ConvertAddressesToEntityUses rewrites the operands of f which fold to
// references of program entities into direct uses of those entities, and
// returns the rewritten operands. Operands which are not provably derived
// from an entity address or the program counter are left untouched.
func ConvertAddressesToEntityUses(f *ir.Func, fo *xref.Folder) []EntityUse {
	var all []EntityUse
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			all = append(all, convertOperands(inst, fo)...)
		}
		all = append(all, convertOperands(block.Term, fo)...)
	}
	if len(all) > 0 {
		removeDeadInsts(f)
	}
	return all
}

// convertOperands rewrites the operands of inst which fold to references of
// program entities.
func convertOperands(inst interface{}, fo *xref.Folder) []EntityUse {
	var conv []EntityUse
	addrBits := fo.Resolver().AddrBits()
	for i, op := range operands(inst) {
		v := *op
		if bitsOf(v.Type(), addrBits) != addrBits {
			continue
		}
		ref := fo.TryResolveReferenceWithClearedCache(v)
		if !ref.IsEntityUse() {
			continue
		}
		// Operands already expressed in terms of a global value.
		if ref.ReferencesGlobalValue && !ref.ReferencesProgramCounter {
			continue
		}
		entity, ok := fo.EntityAtAddress(ref.Address)
		if !ok {
			continue
		}
		repl, ok := adapt(entity, v.Type())
		if !ok {
			continue
		}
		tagEntity(entity, ref.Address, fo)
		dbg.Printf("rewrote operand %d of %T (%v) into %v", i, inst, ref, repl.Ident())
		*op = repl
		conv = append(conv, EntityUse{Inst: inst, Index: i, Ref: ref, Entity: repl})
	}
	return conv
}

// adapt returns the entity pointer c represented as a value of type t.
func adapt(c constant.Constant, t types.Type) (constant.Constant, bool) {
	switch t := t.(type) {
	case *types.IntType:
		return constant.NewPtrToInt(c, t), true
	case *types.PointerType:
		if c.Type().Equal(t) {
			return c, true
		}
		return constant.NewBitCast(c, t), true
	}
	return nil, false
}

// tagEntity attaches the start address of the entity referenced by c, if not
// already attached.
func tagEntity(c constant.Constant, addr bin.Addr, fo *xref.Folder) {
	e, ok := fo.Resolver().EntityAtAddress(addr)
	if !ok {
		return
	}
	var mds *ir.Metadata
	switch g := entityBase(c).(type) {
	case *ir.Global:
		mds = &g.Metadata
	case *ir.Func:
		mds = &g.Metadata
	default:
		return
	}
	for _, md := range *mds {
		if md.Name == EntityAddrMetadata {
			return
		}
	}
	node := &metadata.Tuple{
		MetadataID: -1,
		Fields:     []metadata.Field{&metadata.String{Value: e.Addr.String()}},
	}
	*mds = append(*mds, &metadata.Attachment{Name: EntityAddrMetadata, Node: node})
}

// entityBase returns the global variable or function of the entity pointer c.
func entityBase(c constant.Constant) constant.Constant {
	for {
		switch expr := c.(type) {
		case *constant.ExprGetElementPtr:
			c = expr.Src
		case *constant.ExprBitCast:
			c = expr.From
		default:
			return c
		}
	}
}

// removeDeadInsts removes side effect free instructions without uses from f.
func removeDeadInsts(f *ir.Func) {
	for {
		n := uses(f)
		removed := false
		for _, block := range f.Blocks {
			insts := block.Insts[:0]
			for _, inst := range block.Insts {
				if v, ok := inst.(value.Value); ok && isPure(inst) && n[v] == 0 {
					removed = true
					continue
				}
				insts = append(insts, inst)
			}
			block.Insts = insts
		}
		if !removed {
			return
		}
	}
}

// isPure reports whether inst is free of side effects.
func isPure(inst ir.Instruction) bool {
	switch inst.(type) {
	case *ir.InstAdd, *ir.InstSub, *ir.InstMul, *ir.InstShl, *ir.InstLShr, *ir.InstAShr,
		*ir.InstAnd, *ir.InstOr, *ir.InstXor,
		*ir.InstZExt, *ir.InstSExt, *ir.InstTrunc,
		*ir.InstPtrToInt, *ir.InstIntToPtr, *ir.InstBitCast,
		*ir.InstGetElementPtr, *ir.InstICmp:
		return true
	}
	return false
}
