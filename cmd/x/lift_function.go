package main

import (
	"github.com/llir/llvm/ir"
	"github.com/mewmew/xlift/lift"
	"github.com/mewmew/xlift/passes"
	"github.com/mewmew/xlift/spec"
	"github.com/mewmew/xlift/xref"
	"github.com/pkg/errors"
)

// liftFunc lifts the given function to a new LLVM IR module.
func (l *lifter) liftFunc(decl *spec.FunctionDecl) (*ir.Module, error) {
	dbg.Printf("liftFunc(decl = %v %q)", decl.Address, decl.Name)
	el := lift.NewEntityLifter(l.opts)
	if _, err := el.LiftFunction(decl); err != nil {
		return nil, errors.WithStack(err)
	}
	m := el.Module()
	if l.passes {
		l.runPasses(m)
	}
	return m, nil
}

// runPasses runs the pass pipeline on the function definitions of m; store
// forwarding of every function, followed by entity use rewriting, jump table
// analysis and switch lowering of each function.
func (l *lifter) runPasses(m *ir.Module) {
	fo := xref.NewFolder(l.resolver, m)
	jt := passes.NewJumpTableAnalysis(l.mem, l.a.ByteOrder())
	// Entity rewriting declares functions in m.
	var funcs []*ir.Func
	for _, f := range m.Funcs {
		if len(f.Blocks) > 0 {
			funcs = append(funcs, f)
		}
	}
	// Jump table guards are searched in the forwarded callers too.
	for _, f := range funcs {
		if n := passes.ForwardStores(f); n > 0 {
			dbg.Printf("%v: %d forwarded loads", f.Ident(), n)
		}
	}
	for _, f := range funcs {
		uses := passes.ConvertAddressesToEntityUses(f, fo)
		tables := jt.Run(f)
		switches := 0
		if tables > 0 {
			switches = passes.LowerSwitches(f, jt)
		}
		if len(uses) > 0 || tables > 0 {
			dbg.Printf("%v: %d entity uses, %d jump tables, %d switches", f.Ident(), len(uses), tables, switches)
		}
	}
}
