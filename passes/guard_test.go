package passes

import (
	"encoding/binary"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handOff is a pair of basic block functions passing an index through the
// frame. The caller checks the index and calls the callee, which dispatches on
// the index through a jump table at tableBase.
type handOff struct {
	m      *ir.Module
	caller *ir.Func
	callee *ir.Func
	// Guard of the index in the caller.
	cmp *ir.InstICmp
	// Call of the callee.
	call *ir.InstCall
}

// newHandOff returns a hand-off of the index checked by "index pred k" in the
// caller.
func newHandOff(pred enum.IPred, k int64) *handOff {
	m := ir.NewModule()
	intr := arch.NewIntrinsics(m)
	frameType := m.NewTypeDef("frame", types.NewStruct(types.I32))
	newFunc := func(name string) *ir.Func {
		pc := ir.NewParam("program_counter", types.I32)
		mem := ir.NewParam("memory", types.I8Ptr)
		frame := ir.NewParam("frame", types.NewPointer(frameType))
		return m.NewFunc(name, types.I32, pc, mem, frame)
	}
	zero := constant.NewInt(types.I32, 0)
	// unpack loads the index into a stack allocated register.
	unpack := func(f *ir.Func, block *ir.Block) *ir.InstAlloca {
		reg := block.NewAlloca(types.I32)
		field := block.NewGetElementPtr(frameType, f.Params[2], zero, zero)
		block.NewStore(block.NewLoad(types.I32, field), reg)
		return reg
	}

	callee := newFunc("bb_1010")
	{
		entry := callee.NewBlock("")
		reg := unpack(callee, entry)
		idx := entry.NewLoad(types.I32, reg)
		addr := entry.NewAdd(entry.NewShl(idx, constant.NewInt(types.I32, 2)), constant.NewInt(types.I32, tableBase))
		target := entry.NewCall(intr.ReadMemory(32, 32), callee.Params[1], addr)
		entry.NewRet(entry.NewCall(intr.Func(arch.IndirectJump, types.I32, types.I32), target))
	}

	caller := newFunc("bb_1000")
	var (
		cmp  *ir.InstICmp
		call *ir.InstCall
	)
	{
		entry := caller.NewBlock("")
		reg := unpack(caller, entry)
		idx := entry.NewLoad(types.I32, reg)
		cmp = entry.NewICmp(pred, idx, constant.NewInt(types.I32, k))
		next := entry.NewSelect(cmp, constant.NewInt(types.I32, 0x1010), constant.NewInt(types.I32, 0x3000))
		// pack
		field := entry.NewGetElementPtr(frameType, caller.Params[2], zero, zero)
		entry.NewStore(entry.NewLoad(types.I32, reg), field)
		taken := caller.NewBlock("")
		invalid := caller.NewBlock("")
		entry.NewSwitch(next, invalid, ir.NewCase(constant.NewInt(types.I32, 0x1010), taken))
		call = taken.NewCall(callee, next, caller.Params[1], caller.Params[2])
		taken.NewRet(call)
		invalid.NewUnreachable()
	}
	return &handOff{m: m, caller: caller, callee: callee, cmp: cmp, call: call}
}

// indirectJump returns the indirect jump of f.
func indirectJump(t *testing.T, f *ir.Func) *ir.InstCall {
	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			if call, ok := isIndirectJump(inst); ok {
				return call
			}
		}
	}
	require.Fail(t, "no indirect jump", "%v", f.Ident())
	return nil
}

func TestJumpTableAnalysisCallerGuard(t *testing.T) {
	h := newHandOff(enum.IPredULE, 7)
	for _, f := range h.m.Funcs {
		ForwardStores(f)
	}
	a := NewJumpTableAnalysis(tableImage(t, binary.LittleEndian, absoluteEntries()...), binary.LittleEndian)
	require.Equal(t, 1, a.Run(h.callee))
	res, ok := a.ResultFor(indirectJump(t, h.callee))
	require.True(t, ok)
	assert.Equal(t, Bound{Upper: 7}, res.Bounds)
	assert.Nil(t, res.Default)
	assert.Len(t, res.Targets, 8)
	assert.Equal(t, bin.Addr(0x1100), res.Targets[0])

	require.Equal(t, 1, LowerSwitches(h.callee, a))
	sw, ok := h.callee.Blocks[0].Term.(*ir.TermSwitch)
	require.True(t, ok)
	assert.Len(t, sw.Cases, 8)
	def := sw.TargetDefault.(*ir.Block)
	assert.IsType(t, &ir.TermUnreachable{}, def.Term)
}

func TestJumpTableAnalysisCallerGuardDeclined(t *testing.T) {
	golden := []struct {
		name string
		edit func(h *handOff)
	}{
		{name: "unbounded", edit: func(h *handOff) {
			h.cmp.Pred = enum.IPredUGE
		}},
		{name: "second call site", edit: func(h *handOff) {
			frame := ir.NewParam("frame", h.callee.Params[2].Type())
			other := h.m.NewFunc("bb_2000", types.I32, frame)
			entry := other.NewBlock("")
			entry.NewRet(entry.NewCall(h.callee, constant.NewInt(types.I32, 0x1010), constant.NewNull(types.I8Ptr), frame))
		}},
		{name: "callee address taken", edit: func(h *handOff) {
			entry := h.caller.Blocks[0]
			entry.Insts = append(entry.Insts, ir.NewPtrToInt(h.callee, types.I64))
		}},
		{name: "frame passed to unknown function", edit: func(h *handOff) {
			unknown := h.m.NewFunc("unknown", types.Void, ir.NewParam("", h.caller.Params[2].Type()))
			taken := h.caller.Blocks[1]
			clobber := ir.NewCall(unknown, h.caller.Params[2])
			taken.Insts = append([]ir.Instruction{clobber}, taken.Insts...)
		}},
	}
	for _, g := range golden {
		h := newHandOff(enum.IPredULE, 7)
		for _, f := range h.m.Funcs {
			ForwardStores(f)
		}
		g.edit(h)
		a := NewJumpTableAnalysis(tableImage(t, binary.LittleEndian, absoluteEntries()...), binary.LittleEndian)
		assert.Equal(t, 0, a.Run(h.callee), g.name)
	}
}
