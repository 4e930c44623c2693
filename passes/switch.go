package passes

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/bin"
	"github.com/pkg/errors"
)

// LowerSwitches rewrites the indirect jumps of f with proven jump tables into
// switch terminators with one case per target address, and returns the number
// of rewritten indirect jumps. Indirect jumps without a proven jump table are
// left untouched.
func LowerSwitches(f *ir.Func, a *JumpTableAnalysis) int {
	n := 0
	// Basic blocks inserted by lowering are visited too.
	for i := 0; i < len(f.Blocks); i++ {
		block := f.Blocks[i]
		for j, inst := range block.Insts {
			call, ok := isIndirectJump(inst)
			if !ok {
				continue
			}
			res, ok := a.ResultFor(call)
			if !ok {
				continue
			}
			if err := lowerSwitch(f, i, j, call, res); err != nil {
				warn.Printf("unable to lower jump table of %v in %v; %v", call.Ident(), f.Ident(), err)
				continue
			}
			delete(a.results, call)
			n++
			// The remaining instructions were moved to the continuation block.
			break
		}
	}
	return n
}

// lowerSwitch rewrites the indirect jump call, the j:th instruction of the i:th
// basic block of f, into a switch over the targets of its jump table.
//
// The basic block is split at the call. The switch branches through one
// basic block per distinct target to the continuation, where a phi
// instruction of the target addresses replaces the result of the call.
func lowerSwitch(f *ir.Func, i, j int, call *ir.InstCall, res *JumpTableResult) error {
	block := f.Blocks[i]
	def := res.Default
	if def != nil {
		for _, inst := range def.Insts {
			if _, ok := inst.(*ir.InstPhi); ok {
				return errors.Errorf("default successor %v has phi instructions", def.Ident())
			}
		}
	}
	typ, ok := call.Type().(*types.IntType)
	if !ok {
		return errors.Errorf("unsupported jump target type %v", call.Type())
	}

	// Split basic block.
	cont := ir.NewBlock("")
	cont.Parent = f
	cont.Insts = append(cont.Insts, block.Insts[j+1:]...)
	cont.Term = block.Term
	block.Insts = block.Insts[:j:j]
	for _, succ := range succs(cont.Term) {
		for _, inst := range succ.Insts {
			phi, ok := inst.(*ir.InstPhi)
			if !ok {
				continue
			}
			for _, inc := range phi.Incs {
				if inc.Pred == value.Value(block) {
					inc.Pred = cont
				}
			}
		}
	}

	// One case per distinct target.
	var (
		cases      []*ir.Case
		caseBlocks []*ir.Block
		incs       []*ir.Incoming
	)
	seen := make(map[bin.Addr]bool)
	for _, target := range res.Targets {
		if seen[target] {
			continue
		}
		seen[target] = true
		x := constant.NewInt(typ, int64(target))
		caseBlock := ir.NewBlock("")
		caseBlock.Parent = f
		caseBlock.NewBr(cont)
		cases = append(cases, ir.NewCase(x, caseBlock))
		caseBlocks = append(caseBlocks, caseBlock)
		incs = append(incs, ir.NewIncoming(x, caseBlock))
	}
	phi := ir.NewPhi(incs...)
	cont.Insts = append([]ir.Instruction{phi}, cont.Insts...)
	// Guards outside of f leave out of bounds indices unreachable.
	if def == nil {
		def = ir.NewBlock("")
		def.Parent = f
		def.NewUnreachable()
		caseBlocks = append(caseBlocks, def)
	}
	block.NewSwitch(call.Args[0], def, cases...)

	blocks := make([]*ir.Block, 0, len(f.Blocks)+len(caseBlocks)+1)
	blocks = append(blocks, f.Blocks[:i+1]...)
	blocks = append(blocks, caseBlocks...)
	blocks = append(blocks, cont)
	blocks = append(blocks, f.Blocks[i+1:]...)
	f.Blocks = blocks
	replaceUses(f, call, phi)
	return nil
}
