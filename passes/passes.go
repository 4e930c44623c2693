// Package passes implements analysis and transformation passes over lifted
// LLVM IR functions.
package passes

import (
	"io"
	"log"
	"os"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	termcolor "github.com/mewkiz/pkg/term"
	"github.com/mewmew/xlift/arch"
)

var (
	// dbg is a logger which logs debug messages with "passes:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, termcolor.MagentaBold("passes:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, termcolor.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// user is an instruction or terminator with mutable operands.
type user interface {
	Operands() []*value.Value
}

// operands returns the mutable operands of the given instruction or
// terminator.
func operands(v interface{}) []*value.Value {
	if u, ok := v.(user); ok {
		return u.Operands()
	}
	return nil
}

// replaceUses replaces every use of old in f with repl.
func replaceUses(f *ir.Func, old, repl value.Value) {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			for _, op := range operands(inst) {
				if *op == old {
					*op = repl
				}
			}
		}
		for _, op := range operands(block.Term) {
			if *op == old {
				*op = repl
			}
		}
	}
}

// uses returns the number of uses of each value in f.
func uses(f *ir.Func) map[value.Value]int {
	n := make(map[value.Value]int)
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			for _, op := range operands(inst) {
				n[*op]++
			}
		}
		for _, op := range operands(block.Term) {
			n[*op]++
		}
	}
	return n
}

// succs returns the successor basic blocks of the given terminator.
func succs(term ir.Terminator) []*ir.Block {
	var targets []value.Value
	switch term := term.(type) {
	case *ir.TermBr:
		targets = append(targets, term.Target)
	case *ir.TermCondBr:
		targets = append(targets, term.TargetTrue, term.TargetFalse)
	case *ir.TermSwitch:
		targets = append(targets, term.TargetDefault)
		for _, c := range term.Cases {
			targets = append(targets, c.Target)
		}
	}
	var blocks []*ir.Block
	for _, target := range targets {
		if block, ok := target.(*ir.Block); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// preds returns the predecessor basic blocks of each basic block in f.
func preds(f *ir.Func) map[*ir.Block][]*ir.Block {
	ps := make(map[*ir.Block][]*ir.Block)
	for _, block := range f.Blocks {
		seen := make(map[*ir.Block]bool)
		for _, succ := range succs(block.Term) {
			if seen[succ] {
				continue
			}
			seen[succ] = true
			ps[succ] = append(ps[succ], block)
		}
	}
	return ps
}

// calleeName returns the name of the function called by inst, if direct.
func calleeName(inst *ir.InstCall) (string, bool) {
	f, ok := inst.Callee.(*ir.Func)
	if !ok {
		return "", false
	}
	return f.Name(), true
}

// isIndirectJump reports whether inst is a call to the indirect jump
// placeholder.
func isIndirectJump(inst ir.Instruction) (*ir.InstCall, bool) {
	call, ok := inst.(*ir.InstCall)
	if !ok || len(call.Args) != 1 {
		return nil, false
	}
	name, ok := calleeName(call)
	return call, ok && name == arch.IndirectJump
}

// bitsOf returns the size in bits of integer and pointer values of type t, or
// zero for other types.
func bitsOf(t types.Type, addrBits uint64) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		return t.BitSize
	case *types.PointerType:
		return addrBits
	}
	return 0
}
