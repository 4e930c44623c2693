package passes

import (
	"encoding/binary"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/provider"
	"github.com/pkg/errors"
)

// maxJumpTableEntries is the maximum number of entries of a recovered jump
// table.
const maxJumpTableEntries = 4096

// PCRel relates a raw jump table entry to the absolute target address.
type PCRel struct {
	// Slice from the table load to the indirect jump target.
	Slice *Slice
	// Size in bits of table entries.
	EntryBits uint64
}

// Apply returns the target address of the given raw table entry.
func (rel PCRel) Apply(entry uint64) (bin.Addr, bool) {
	x, ok := rel.Slice.Eval(entry)
	return bin.Addr(x), ok
}

// IndexRel relates the runtime index to the address of its table entry.
type IndexRel struct {
	// Slice from the index to the table entry address.
	Slice *Slice
	// Runtime index.
	Index value.Value
}

// Apply returns the table entry address of the given index.
func (rel IndexRel) Apply(index uint64) (bin.Addr, bool) {
	x, ok := rel.Slice.Eval(index)
	return bin.Addr(x), ok
}

// Bound is an inclusive bound on the runtime index.
type Bound struct {
	// Lower bound.
	Lower uint64
	// Upper bound.
	Upper uint64
	// Signed comparison.
	Signed bool
}

// String returns the string representation of the bound.
func (b Bound) String() string {
	if b.Signed {
		return fmt.Sprintf("[%d, %d] (signed)", int64(b.Lower), int64(b.Upper))
	}
	return fmt.Sprintf("[%d, %d]", b.Lower, b.Upper)
}

// JumpTableResult is a proven jump table feeding an indirect jump.
type JumpTableResult struct {
	// Program counter relation of table entries.
	PCRel PCRel
	// Index relation of table entry addresses.
	IndexRel IndexRel
	// Bound on the runtime index.
	Bounds Bound
	// Successor of out of bounds indices.
	Default *ir.Block
	// Target addresses of the indices in bound, in index order.
	Targets []bin.Addr
}

// JumpTableAnalysis recovers jump tables of indirect jumps. Results are keyed
// by indirect jump placeholder call.
type JumpTableAnalysis struct {
	// Memory provider of table contents.
	mem provider.MemoryProvider
	// Byte order of table entries.
	order binary.ByteOrder
	// Proven jump tables.
	results map[*ir.InstCall]*JumpTableResult
}

// NewJumpTableAnalysis returns a new jump table analysis reading tables from
// mem in the given byte order.
func NewJumpTableAnalysis(mem provider.MemoryProvider, order binary.ByteOrder) *JumpTableAnalysis {
	return &JumpTableAnalysis{
		mem:     mem,
		order:   order,
		results: make(map[*ir.InstCall]*JumpTableResult),
	}
}

// Run analyzes the indirect jumps of f and returns the number of proven jump
// tables. Indirect jumps without a proven jump table are left without result.
func (a *JumpTableAnalysis) Run(f *ir.Func) int {
	gs := newGuardSearch()
	n := 0
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			call, ok := isIndirectJump(inst)
			if !ok {
				continue
			}
			res, err := a.analyze(gs, f, block, call)
			if err != nil {
				dbg.Printf("declined jump table of %v in %v: %v", call.Ident(), f.Ident(), err)
				continue
			}
			dbg.Printf("jump table of %v in %v; bound %v, %d targets", call.Ident(), f.Ident(), res.Bounds, len(res.Targets))
			a.results[call] = res
			n++
		}
	}
	return n
}

// ResultFor returns the proven jump table of the given indirect jump.
func (a *JumpTableAnalysis) ResultFor(call *ir.InstCall) (*JumpTableResult, bool) {
	res, ok := a.results[call]
	return res, ok
}

// analyze recovers the jump table of the indirect jump call in block of f.
func (a *JumpTableAnalysis) analyze(gs *guardSearch, f *ir.Func, block *ir.Block, call *ir.InstCall) (*JumpTableResult, error) {
	target := call.Args[0]
	addrBits := bitsOf(target.Type(), 0)
	if addrBits == 0 {
		return nil, errors.Errorf("unsupported jump target type %v", target.Type())
	}

	// Target as a function of the table entry.
	pcSlice, err := NewSlice(target, addrBits, isReadMemory)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	load, ok := pcSlice.Leaf.(*ir.InstCall)
	if !ok {
		return nil, errors.Errorf("jump target %v not loaded from memory", target.Ident())
	}
	entryBits, _ := arch.IsReadMemory(load.Callee.(*ir.Func))
	if entryBits%8 != 0 || entryBits > 64 {
		return nil, errors.Errorf("unsupported table entry size %d", entryBits)
	}

	// Table entry address as a function of the index.
	indexSlice, err := NewSlice(load.Args[1], addrBits, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if indexSlice.Leaf == nil {
		return nil, errors.Errorf("table entry address %v is constant", load.Args[1].Ident())
	}

	set, def, err := gs.indexSet(f, block, indexSlice.Leaf)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bound, err := boundOf(set)
	if err != nil {
		return nil, errors.Wrapf(err, "index %v", indexSlice.Leaf.Ident())
	}
	res := &JumpTableResult{
		PCRel:    PCRel{Slice: pcSlice, EntryBits: entryBits},
		IndexRel: IndexRel{Slice: indexSlice, Index: indexSlice.Leaf},
		Bounds:   bound,
		Default:  def,
	}
	// Indices wrap around at 2^64; Eval truncates them to the index size.
	for i := bound.Lower; ; i++ {
		addr, ok := res.IndexRel.Apply(i)
		if !ok {
			return nil, errors.Errorf("undefined table entry address of index %d", i)
		}
		entry, err := a.readEntry(addr, entryBits/8)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		dest, ok := res.PCRel.Apply(entry)
		if !ok {
			return nil, errors.Errorf("undefined target of table entry 0x%X at %v", entry, addr)
		}
		res.Targets = append(res.Targets, dest)
		if i == bound.Upper {
			break
		}
	}
	return res, nil
}

// boundOf returns the inclusive bound covering the index values of s. A set
// wrapping around from the top of the unsigned range to zero is covered by a
// signed bound, with the lower bound sign-extended to 64 bits.
func boundOf(s intervalSet) (Bound, error) {
	if s.isEmpty() {
		return Bound{}, errors.New("no index value reaches the jump")
	}
	first, last := s.ivs[0], s.ivs[len(s.ivs)-1]
	half := uint64(1) << (s.bits - 1)
	if len(s.ivs) == 2 && first.lo == 0 && last.hi == maxValue(s.bits) && first.hi < half && last.lo >= half {
		b := Bound{Lower: signExtend(last.lo, s.bits), Upper: first.hi, Signed: true}
		if first.hi+(maxValue(s.bits)-last.lo) >= maxJumpTableEntries-1 {
			return Bound{}, errors.Errorf("bound %v exceeds %d table entries", b, maxJumpTableEntries)
		}
		return b, nil
	}
	b := Bound{Lower: first.lo, Upper: last.hi}
	if b.Upper-b.Lower >= maxJumpTableEntries {
		return Bound{}, errors.Errorf("bound %v exceeds %d table entries", b, maxJumpTableEntries)
	}
	return b, nil
}

// readEntry reads the n-byte table entry at addr.
func (a *JumpTableAnalysis) readEntry(addr bin.Addr, n uint64) (uint64, error) {
	buf := provider.ReadBytes(a.mem, addr, int(n))
	if uint64(len(buf)) != n {
		return 0, errors.Errorf("unreadable table entry at %v", addr+bin.Addr(len(buf)))
	}
	var padded [8]byte
	switch a.order {
	case binary.BigEndian:
		copy(padded[8-n:], buf)
		return binary.BigEndian.Uint64(padded[:]), nil
	default:
		copy(padded[:], buf)
		return a.order.Uint64(padded[:]), nil
	}
}

// ### [ Helper functions ] ####################################################

// isReadMemory reports whether v is a call to a memory read intrinsic.
func isReadMemory(v value.Value) bool {
	call, ok := v.(*ir.InstCall)
	if !ok {
		return false
	}
	f, ok := call.Callee.(*ir.Func)
	if !ok {
		return false
	}
	_, ok = arch.IsReadMemory(f)
	return ok && len(call.Args) == 2
}

// mirror returns the predicate of the comparison with swapped operands.
func mirror(pred enum.IPred) enum.IPred {
	switch pred {
	case enum.IPredULT:
		return enum.IPredUGT
	case enum.IPredULE:
		return enum.IPredUGE
	case enum.IPredUGT:
		return enum.IPredULT
	case enum.IPredUGE:
		return enum.IPredULE
	case enum.IPredSLT:
		return enum.IPredSGT
	case enum.IPredSLE:
		return enum.IPredSGE
	case enum.IPredSGT:
		return enum.IPredSLT
	case enum.IPredSGE:
		return enum.IPredSLE
	}
	return pred
}
