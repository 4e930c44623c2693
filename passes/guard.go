package passes

import (
	"reflect"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/pkg/errors"
)

// maxGuardDepth is the maximum number of basic block functions searched for
// guards of an index, including the one of the indirect jump.
const maxGuardDepth = 8

// guardSearch searches the guards of a runtime index on the paths leading to
// an indirect jump.
type guardSearch struct {
	// Maps from function to the predecessor basic blocks of its basic blocks.
	preds map[*ir.Func]map[*ir.Block][]*ir.Block
}

// newGuardSearch returns a new guard search.
func newGuardSearch() *guardSearch {
	return &guardSearch{preds: make(map[*ir.Func]map[*ir.Block][]*ir.Block)}
}

// predsOf returns the predecessor basic blocks of the basic blocks of f.
func (gs *guardSearch) predsOf(f *ir.Func) map[*ir.Block][]*ir.Block {
	ps, ok := gs.preds[f]
	if !ok {
		ps = preds(f)
		gs.preds[f] = ps
	}
	return ps
}

// indexSet returns the set of values the index may take on entry to block of
// f, as implied by the conditional branches and switches on the chain of
// unique predecessors of block. The search continues in the caller when the
// chain ends in the entry basic block of a basic block function receiving the
// index through its frame. The returned basic block is the out of bounds
// successor of the closest guard in f, or nil if not known.
func (gs *guardSearch) indexSet(f *ir.Func, block *ir.Block, index value.Value) (intervalSet, *ir.Block, error) {
	bits := bitsOf(index.Type(), 0)
	if bits == 0 || bits > 64 {
		return intervalSet{}, nil, errors.Errorf("unsupported index type %v", index.Type())
	}
	set := fullSet(bits)
	var def *ir.Block
	v, cur := index, block
	for depth := 0; depth < maxGuardDepth; depth++ {
		ps := gs.predsOf(f)
		visited := make(map[*ir.Block]bool)
		for !visited[cur] && len(ps[cur]) == 1 {
			visited[cur] = true
			pred := ps[cur][0]
			s, err := edgeSet(pred.Term, cur, v)
			if err != nil {
				dbg.Printf("ignoring branch of %v to %v in %v; %v", pred.Ident(), cur.Ident(), f.Ident(), err)
			} else if !s.isFull() {
				set = set.intersect(s)
				if depth == 0 && def == nil {
					def = otherSucc(pred.Term, cur)
				}
			}
			cur = pred
		}
		if len(ps[cur]) != 0 || cur != f.Blocks[0] {
			break
		}
		x, caller, callBlock, err := callerValue(f, v)
		if err != nil {
			dbg.Printf("guard search of %v ends in %v; %v", index.Ident(), f.Ident(), err)
			break
		}
		v, f, cur = x, caller, callBlock
	}
	return set, def, nil
}

// callerValue returns the value passed as v to the basic block function f by
// its unique call site, and the function and basic block of the call site. The
// value v must be loaded from a field of a pointer parameter of f, in the entry
// basic block of f and before any store to memory other than stack
// allocations.
func callerValue(f *ir.Func, v value.Value) (value.Value, *ir.Func, *ir.Block, error) {
	load, ok := v.(*ir.InstLoad)
	if !ok {
		return nil, nil, nil, errors.Errorf("%v is not loaded from a parameter", v.Ident())
	}
	loc, ok := locate(load.Src)
	if !ok {
		return nil, nil, nil, errors.Errorf("%v is not loaded from a parameter", v.Ident())
	}
	param, ok := loc.base.(*ir.Param)
	if !ok {
		return nil, nil, nil, errors.Errorf("%v is not loaded from a parameter", v.Ident())
	}
	index := -1
	for i, p := range f.Params {
		if p == param {
			index = i
		}
	}
	if index == -1 {
		return nil, nil, nil, errors.Errorf("%v is not loaded from a parameter of %v", v.Ident(), f.Ident())
	}
	found := false
	for _, inst := range f.Blocks[0].Insts {
		if inst == ir.Instruction(load) {
			found = true
			break
		}
		switch inst := inst.(type) {
		case *ir.InstStore:
			if dst, ok := locate(inst.Dst); !ok || !isAlloca(dst.base) {
				return nil, nil, nil, errors.Errorf("store to %v precedes %v", inst.Dst.Ident(), v.Ident())
			}
		case *ir.InstCall:
			if clobbers(inst, loc, nil) {
				return nil, nil, nil, errors.Errorf("call %v precedes %v", inst.Ident(), v.Ident())
			}
		}
	}
	if !found {
		return nil, nil, nil, errors.Errorf("%v is not loaded on entry to %v", v.Ident(), f.Ident())
	}

	call, caller, callBlock, callIndex, err := uniqueCallSite(f)
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	if index >= len(call.Args) {
		return nil, nil, nil, errors.Errorf("call %v of %v has too few arguments", call.Ident(), f.Ident())
	}
	// The field in the frame of the caller.
	arg, ok := locate(call.Args[index])
	if !ok || arg.elem != nil {
		return nil, nil, nil, errors.Errorf("unknown frame %v passed to %v", call.Args[index].Ident(), f.Ident())
	}
	field := location{base: arg.base, elem: loc.elem, path: loc.path}
	x, ok := reachingStore(callBlock, callIndex, field, preds(caller), escaped(caller))
	if !ok {
		return nil, nil, nil, errors.Errorf("no store to the frame of %v reaches %v in %v", f.Ident(), call.Ident(), caller.Ident())
	}
	if !x.Type().Equal(v.Type()) {
		return nil, nil, nil, errors.Errorf("type mismatch between %v and %v", x.Ident(), v.Ident())
	}
	return x, caller, callBlock, nil
}

// uniqueCallSite returns the only call of f in its module, the function and
// basic block of the call and the index of the call in the basic block.
// Functions with other uses are rejected.
func uniqueCallSite(f *ir.Func) (*ir.InstCall, *ir.Func, *ir.Block, int, error) {
	m := f.Parent
	if m == nil {
		return nil, nil, nil, 0, errors.Errorf("%v has no parent module", f.Ident())
	}
	var (
		site      *ir.InstCall
		caller    *ir.Func
		siteBlock *ir.Block
		siteIndex int
		n         int
	)
	for _, g := range m.Funcs {
		for _, block := range g.Blocks {
			for i, inst := range block.Insts {
				for _, op := range operands(inst) {
					if *op != value.Value(f) {
						continue
					}
					n++
					call, ok := inst.(*ir.InstCall)
					if !ok || call.Callee != value.Value(f) {
						return nil, nil, nil, 0, errors.Errorf("%v is used by %v", f.Ident(), inst.LLString())
					}
					site, caller, siteBlock, siteIndex = call, g, block, i
				}
			}
			for _, op := range operands(block.Term) {
				if *op == value.Value(f) {
					return nil, nil, nil, 0, errors.Errorf("%v is used by terminator of %v", f.Ident(), block.Ident())
				}
			}
		}
	}
	if n != 1 {
		return nil, nil, nil, 0, errors.Errorf("%v has %d uses", f.Ident(), n)
	}
	return site, caller, siteBlock, siteIndex, nil
}

// otherSucc returns the successor of the conditional branch term other than
// succ, or nil.
func otherSucc(term ir.Terminator, succ *ir.Block) *ir.Block {
	br, ok := term.(*ir.TermCondBr)
	if !ok {
		return nil
	}
	for _, target := range []value.Value{br.TargetTrue, br.TargetFalse} {
		if block, ok := target.(*ir.Block); ok && block != succ {
			return block
		}
	}
	return nil
}

// ### [ Condition sets ] ######################################################

// edgeSet returns the set of values of x for which the terminator term
// transfers control to succ.
func edgeSet(term ir.Terminator, succ *ir.Block, x value.Value) (intervalSet, error) {
	bits := bitsOf(x.Type(), 0)
	switch term := term.(type) {
	case *ir.TermCondBr:
		toTrue := term.TargetTrue == value.Value(succ)
		toFalse := term.TargetFalse == value.Value(succ)
		if toTrue && toFalse {
			return fullSet(bits), nil
		}
		s, err := boolSet(term.Cond, x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		if toTrue {
			return s, nil
		}
		return s.complement(), nil
	case *ir.TermSwitch:
		taken := emptySet(bits)
		matched := emptySet(bits)
		for _, c := range term.Cases {
			s, err := cmpSet(enum.IPredEQ, term.X, c.X, x)
			if err != nil {
				return intervalSet{}, errors.WithStack(err)
			}
			matched = matched.union(s)
			if c.Target == value.Value(succ) {
				taken = taken.union(s)
			}
		}
		if term.TargetDefault == value.Value(succ) {
			taken = taken.union(matched.complement())
		}
		return taken, nil
	}
	return fullSet(bits), nil
}

// boolSet returns the set of values of x for which the boolean v is true.
func boolSet(v, x value.Value) (intervalSet, error) {
	bits := bitsOf(x.Type(), 0)
	switch v := v.(type) {
	case *constant.Int:
		if v.X.Sign() != 0 {
			return fullSet(bits), nil
		}
		return emptySet(bits), nil
	case *ir.InstICmp:
		return cmpSet(v.Pred, v.X, v.Y, x)
	case *ir.InstAnd, *ir.InstOr, *ir.InstXor:
		op, xs := decompose(v)
		s, err := boolSet(xs[0], x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		t, err := boolSet(xs[1], x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		switch op {
		case opAnd:
			return s.intersect(t), nil
		case opOr:
			return s.union(t), nil
		default:
			return s.symdiff(t), nil
		}
	case *ir.InstSelect:
		return selectSet(v, x, func(y value.Value) (intervalSet, error) {
			return boolSet(y, x)
		})
	case *ir.InstTrunc:
		if ext, ok := v.From.(*ir.InstZExt); ok && ext.From.Type().Equal(types.I1) {
			return boolSet(ext.From, x)
		}
	}
	return intervalSet{}, errors.Errorf("unsupported condition %v", v.Ident())
}

// selectSet returns the set of values of x for which f holds for the value
// selected by sel.
func selectSet(sel *ir.InstSelect, x value.Value, f func(y value.Value) (intervalSet, error)) (intervalSet, error) {
	c, err := boolSet(sel.Cond, x)
	if err != nil {
		return intervalSet{}, errors.WithStack(err)
	}
	s, err := f(sel.ValueTrue)
	if err != nil {
		return intervalSet{}, errors.WithStack(err)
	}
	t, err := f(sel.ValueFalse)
	if err != nil {
		return intervalSet{}, errors.WithStack(err)
	}
	return c.intersect(s).union(c.complement().intersect(t)), nil
}

// cmpSet returns the set of values of x for which the comparison "a pred b"
// holds.
func cmpSet(pred enum.IPred, a, b, x value.Value) (intervalSet, error) {
	bits := bitsOf(x.Type(), 0)
	if sel, ok := a.(*ir.InstSelect); ok {
		return selectSet(sel, x, func(y value.Value) (intervalSet, error) {
			return cmpSet(pred, y, b, x)
		})
	}
	if sel, ok := b.(*ir.InstSelect); ok {
		return selectSet(sel, x, func(y value.Value) (intervalSet, error) {
			return cmpSet(pred, a, y, x)
		})
	}
	ca, aConst := a.(*constant.Int)
	cb, bConst := b.(*constant.Int)
	switch {
	case aConst && bConst:
		n := bitsOf(a.Type(), 0)
		s, ok := predSet(pred, intBits(cb), n)
		if !ok {
			return intervalSet{}, errors.Errorf("unsupported predicate %v", pred)
		}
		if s.contains(truncate(intBits(ca), n)) {
			return fullSet(bits), nil
		}
		return emptySet(bits), nil
	case aConst:
		return cmpSet(mirror(pred), b, a, x)
	}
	if a.Type().Equal(types.I1) {
		if pred != enum.IPredEQ && pred != enum.IPredNE {
			return intervalSet{}, errors.Errorf("unsupported boolean predicate %v", pred)
		}
		s, err := boolSet(a, x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		t, err := boolSet(b, x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		if pred == enum.IPredEQ {
			return s.symdiff(t).complement(), nil
		}
		return s.symdiff(t), nil
	}
	if !bConst {
		return intervalSet{}, errors.Errorf("comparison of %v with non-constant %v", a.Ident(), b.Ident())
	}
	k := intBits(cb)
	switch {
	case (pred == enum.IPredSLT || pred == enum.IPredSGE) && truncate(k, bitsOf(a.Type(), 0)) == 0,
		(pred == enum.IPredSLE || pred == enum.IPredSGT) && truncate(k, bitsOf(a.Type(), 0)) == maxValue(bitsOf(a.Type(), 0)):
		// Sign bit tests of bitwise combinations.
		if _, err := affine(a, x); err != nil {
			s, err := signSet(a, x)
			if err != nil {
				return intervalSet{}, errors.WithStack(err)
			}
			if pred == enum.IPredSLT || pred == enum.IPredSLE {
				return s, nil
			}
			return s.complement(), nil
		}
	}
	t, err := affine(a, x)
	if err != nil {
		return intervalSet{}, errors.WithStack(err)
	}
	s, ok := predSet(pred, k, t.bits)
	if !ok {
		return intervalSet{}, errors.Errorf("unsupported predicate %v", pred)
	}
	return t.preimage(s, bits), nil
}

// signSet returns the set of values of x for which the sign bit of v is set.
func signSet(v, x value.Value) (intervalSet, error) {
	bits := bitsOf(x.Type(), 0)
	if c, ok := v.(*constant.Int); ok {
		n := bitsOf(c.Type(), 0)
		if truncate(intBits(c), n)>>(n-1) != 0 {
			return fullSet(bits), nil
		}
		return emptySet(bits), nil
	}
	if t, err := affine(v, x); err == nil {
		s, _ := predSet(enum.IPredSLT, 0, t.bits)
		return t.preimage(s, bits), nil
	}
	switch v.(type) {
	case *ir.InstAnd, *ir.InstOr, *ir.InstXor:
		op, xs := decompose(v)
		s, err := signSet(xs[0], x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		t, err := signSet(xs[1], x)
		if err != nil {
			return intervalSet{}, errors.WithStack(err)
		}
		switch op {
		case opAnd:
			return s.intersect(t), nil
		case opOr:
			return s.union(t), nil
		default:
			return s.symdiff(t), nil
		}
	}
	return intervalSet{}, errors.Errorf("unsupported sign bit test of %v", v.Ident())
}

// extKind is the extension of an affine term.
type extKind uint8

// Extension kinds.
const (
	extNone extKind = iota
	extZero
	extSign
)

// term is an affine function ext(x + offset) of x, extended to bits.
type term struct {
	// Offset added to x, modulo the size of x.
	offset uint64
	// Extension of x + offset.
	ext extKind
	// Size of the term in number of bits.
	bits uint64
}

// affine returns v as an affine function of x. Truncations are rejected.
func affine(v, x value.Value) (term, error) {
	bits := bitsOf(x.Type(), 0)
	if same(v, x) {
		return term{bits: bits}, nil
	}
	switch v := v.(type) {
	case *ir.InstAdd, *ir.InstSub:
		_, xs := decompose(v)
		y, c := xs[0], xs[1]
		k, ok := c.(*constant.Int)
		if !ok {
			if _, isAdd := v.(*ir.InstAdd); !isAdd {
				break
			}
			if k, ok = y.(*constant.Int); !ok {
				break
			}
			y = c
		}
		t, err := affine(y, x)
		if err != nil {
			return term{}, errors.WithStack(err)
		}
		if t.ext != extNone {
			return term{}, errors.Errorf("offset of extended %v", v.Ident())
		}
		off := intBits(k)
		if _, ok := v.(*ir.InstSub); ok {
			off = -off
		}
		t.offset = truncate(t.offset+off, bits)
		return t, nil
	case *ir.InstZExt, *ir.InstSExt:
		_, xs := decompose(v)
		t, err := affine(xs[0], x)
		if err != nil {
			return term{}, errors.WithStack(err)
		}
		if t.ext != extNone {
			return term{}, errors.Errorf("nested extension %v", v.Ident())
		}
		t.ext = extZero
		if _, ok := v.(*ir.InstSExt); ok {
			t.ext = extSign
		}
		t.bits = bitsOf(v.Type(), 0)
		return t, nil
	}
	return term{}, errors.Errorf("%v is not an affine function of %v", v.Ident(), x.Ident())
}

// preimage returns the set of values of x, of the given size, for which the
// term is in s.
func (t term) preimage(s intervalSet, bits uint64) intervalSet {
	var y intervalSet
	switch t.ext {
	case extNone:
		y = s
	case extZero:
		// Extended values are within [0, 2^bits).
		y = intervalSet{bits: bits, ivs: s.intersect(rangeSet(t.bits, 0, maxValue(bits))).ivs}
	case extSign:
		// Non-negative values are kept, negative values are in the top of the
		// extended range.
		half := uint64(1) << (bits - 1)
		low := s.intersect(rangeSet(t.bits, 0, half-1))
		high := s.intersect(rangeSet(t.bits, maxValue(t.bits)-half+1, maxValue(t.bits)))
		var ivs []interval
		ivs = append(ivs, low.ivs...)
		shift := maxValue(t.bits) - maxValue(bits)
		for _, iv := range high.ivs {
			ivs = append(ivs, interval{lo: iv.lo - shift, hi: iv.hi - shift})
		}
		y = normalize(bits, ivs)
	}
	return y.add(-t.offset)
}

// same reports whether u and v are the same value; that is, the same value or
// the same side effect free computation of the same values.
func same(u, v value.Value) bool {
	if u == v {
		return true
	}
	if reflect.TypeOf(u) != reflect.TypeOf(v) || !u.Type().Equal(v.Type()) {
		return false
	}
	if cu, ok := u.(*constant.Int); ok {
		return cu.X.Cmp(v.(*constant.Int).X) == 0
	}
	if _, ok := u.(ir.Instruction); ok && !isPure(u.(ir.Instruction)) {
		return false
	}
	opu, us := decompose(u)
	opv, vs := decompose(v)
	if opu == 0 || opu != opv || len(us) != len(vs) {
		return false
	}
	for i := range us {
		if !same(us[i], vs[i]) {
			return false
		}
	}
	return true
}
