package main

import (
	"io/ioutil"
	"path/filepath"

	"github.com/kr/pretty"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
)

// outputDOT writes the control flow graph of each of the given functions to
// <name>.dot and the call graph to callgraph.dot in the output directory.
func (l *lifter) outputDOT(decls []*spec.FunctionDecl) error {
	cg := &lattice.Graph{}
	for _, decl := range decls {
		cfg := l.funcCFG(decl)
		g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{cfg}}
		dotPath := filepath.Join(l.outDir, fileName(decl.Name)+".dot")
		if err := writeDOT(dotPath, render.DOTCFG(g, decl.Name)); err != nil {
			return errors.WithStack(err)
		}
		cg.Nodes = append(cg.Nodes, decl.Name)
		for _, block := range cfg.Blocks {
			for _, call := range block.Calls {
				cg.Edges = append(cg.Edges, lattice.Edge{Caller: decl.Name, Callee: call.Callee})
			}
		}
	}
	cg.Dedup()
	cgPath := filepath.Join(l.outDir, "callgraph.dot")
	if err := writeDOT(cgPath, render.DOT(cg, "callgraph")); err != nil {
		return errors.WithStack(err)
	}
	dbg.Printf("call graph with %d nodes and %d edges", len(cg.Nodes), len(cg.Edges))
	return nil
}

// funcCFG returns the control flow graph of the given function. Block start
// and end offsets are relative to the function entry address. Call sites are
// taken from the call overrides, jump overrides add edges to their targets
// and return overrides mark blocks as terminal.
func (l *lifter) funcCFG(decl *spec.FunctionDecl) *lattice.FuncCFG {
	uids := decl.Uids()
	ids := make(map[spec.Uid]int)
	blockAt := make(map[bin.Addr]int)
	for i, uid := range uids {
		ids[uid] = i
		blockAt[decl.CFG[uid].Addr] = i
	}
	cfg := &lattice.FuncCFG{Name: decl.Name}
	for i, uid := range uids {
		block := decl.CFG[uid]
		start := int(int64(block.Addr) - int64(decl.Address))
		bb := &lattice.BasicBlock{
			ID:    i,
			Start: start,
			End:   start + int(block.Size),
			Term:  len(block.OutgoingEdges) == 0,
		}
		seen := make(map[int]bool)
		for _, succ := range block.OutgoingEdges {
			id, ok := ids[succ]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			var cond string
			if len(block.OutgoingEdges) == 2 {
				cond = "T"
				if decl.CFG[succ].Addr == block.End() {
					cond = "F"
				}
			}
			bb.Succs = append(bb.Succs, lattice.Successor{BlockID: id, Cond: cond})
		}
		l.s.ForEachJump(func(j *spec.Jump) bool {
			if j.Address < block.Addr || j.Address >= block.End() {
				return true
			}
			for _, target := range j.Targets {
				if id, ok := blockAt[target.Address]; ok && !seen[id] {
					seen[id] = true
					bb.Succs = append(bb.Succs, lattice.Successor{BlockID: id})
				}
			}
			return true
		})
		l.s.ForEachReturn(func(r *spec.Return) bool {
			if block.Addr <= r.Address && r.Address < block.End() {
				bb.Term = true
			}
			return true
		})
		l.s.ForEachCall(func(c *spec.Call) bool {
			if c.Address < block.Addr || c.Address >= block.End() {
				return true
			}
			dbg.Printf("call override in %q: %# v", decl.Name, pretty.Formatter(c))
			bb.Calls = append(bb.Calls, lattice.CallSite{
				Offset: int(int64(c.Address) - int64(decl.Address)),
				Callee: l.calleeName(c),
			})
			return true
		})
		cfg.Blocks = append(cfg.Blocks, bb)
	}
	return cfg
}

// calleeName returns the name of the target of the given call.
func (l *lifter) calleeName(c *spec.Call) string {
	if c.Target == nil {
		return "indirect"
	}
	if callee, ok := l.s.FunctionAt(*c.Target); ok {
		return callee.Name
	}
	if name, ok := l.s.Symbols[*c.Target]; ok {
		return name
	}
	return spec.FuncName(*c.Target)
}

// writeDOT writes the given DOT graph to dotPath.
func writeDOT(dotPath, dot string) error {
	dbg.Printf("creating %q", dotPath)
	if err := ioutil.WriteFile(dotPath, []byte(dot), 0644); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
