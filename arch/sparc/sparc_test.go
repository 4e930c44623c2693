package sparc

import (
	"encoding/binary"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// be32 returns the big-endian encoding of the given instruction word.
func be32(w uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, w)
	return buf
}

func TestDecodeFlow(t *testing.T) {
	golden := []struct {
		w       uint32
		text    string
		flow    arch.Flow
		taken   bin.Addr
		notTake bin.Addr
		delay   bool
		annul   bool
		cond    bool
	}{
		{w: 0x01000000, text: "nop", flow: arch.FlowNormal, notTake: 0x1004},
		{w: 0x40000010, text: "call 0x1040", flow: arch.FlowDirectCall, taken: 0x1040, notTake: 0x1008, delay: true},
		{w: 0x81C7E008, text: "ret", flow: arch.FlowReturn, notTake: 0x1008, delay: true},
		{w: 0x81C3E008, text: "retl", flow: arch.FlowReturn, notTake: 0x1008, delay: true},
		{w: 0x9FC04000, flow: arch.FlowIndirectCall, notTake: 0x1008, delay: true},
		{w: 0x81C04000, flow: arch.FlowIndirectJump, notTake: 0x1008, delay: true},
		{w: 0x02800004, text: "be 0x1010", flow: arch.FlowCondJump, taken: 0x1010, notTake: 0x1008, delay: true, cond: true},
		{w: 0x22800004, text: "be,a 0x1010", flow: arch.FlowCondJump, taken: 0x1010, notTake: 0x1008, delay: true, annul: true, cond: true},
		{w: 0x10800002, text: "ba 0x1008", flow: arch.FlowDirectJump, taken: 0x1008, notTake: 0x1008, delay: true},
		{w: 0x00000010, text: "unimp 0x10", flow: arch.FlowInvalid, notTake: 0x1004},
		{w: 0x9DE3BFA0, text: "save %O6, -96, %O6", flow: arch.FlowNormal, notTake: 0x1004},
	}
	a := New()
	for _, g := range golden {
		inst, err := a.Decode(0x1000, be32(g.w), a.InitialContext())
		require.NoError(t, err, "0x%08X", g.w)
		if g.text != "" {
			assert.Equal(t, g.text, inst.Text)
		}
		assert.Equal(t, g.flow, inst.Flow, inst.Text)
		assert.Equal(t, g.taken, inst.BranchTakenPC, inst.Text)
		assert.Equal(t, g.notTake, inst.BranchNotTakenPC, inst.Text)
		assert.Equal(t, g.delay, inst.HasDelaySlot, inst.Text)
		assert.Equal(t, g.annul, inst.Annul, inst.Text)
		assert.Equal(t, g.cond, inst.Conditional, inst.Text)
		assert.Equal(t, 4, inst.Len())
	}
}

func TestDecodeErrors(t *testing.T) {
	a := New()
	ctx := a.InitialContext()
	// Truncated.
	_, err := a.Decode(0x1000, []byte{0x01, 0x00}, ctx)
	assert.Error(t, err)
	// Misaligned.
	_, err = a.Decode(0x1002, be32(0x01000000), ctx)
	assert.Error(t, err)
	// SPARC V9 BPcc.
	_, err = a.Decode(0x1000, be32(0x00400000), ctx)
	assert.Error(t, err)
	// Control transfer instruction in delay slot.
	_, err = a.DecodeDelayed(0x1004, be32(0x40000010), ctx)
	assert.Error(t, err)
	inst, err := a.DecodeDelayed(0x1004, be32(0x01000000), ctx)
	require.NoError(t, err)
	assert.Equal(t, "nop", inst.Text)
}

func TestIsStructReturnMarker(t *testing.T) {
	a := New()
	assert.True(t, a.IsStructReturnMarker(be32(0x00000010)))
	assert.False(t, a.IsStructReturnMarker(be32(0x01000000)))
	assert.False(t, a.IsStructReturnMarker(be32(0x40000010)))
	assert.False(t, a.IsStructReturnMarker([]byte{0, 0}))
}

func TestLiftInst(t *testing.T) {
	a := New()
	m := ir.NewModule()
	layout := arch.NewStateLayout(a, m)
	f := m.NewFunc("f", types.Void)
	entry := f.NewBlock("")
	e := &arch.Emitter{
		Layout: layout,
		Intr:   arch.NewIntrinsics(m),
		Func:   f,
		Block:  entry,
	}
	e.State = entry.NewAlloca(layout.Type)
	e.MemorySlot = entry.NewAlloca(types.I8Ptr)
	for _, w := range []uint32{0x9DE3BFA0, 0x02800004, 0x81C7E008, 0x81E80000, 0x40000010} {
		inst, err := a.Decode(0x1000, be32(w), a.InitialContext())
		require.NoError(t, err)
		e.Inst = inst
		a.LiftInst(e, inst)
		assert.False(t, e.Trapped, inst.Text)
	}
	_, ok := e.Intr.Lookup(arch.WriteMemoryPrefix + "32")
	assert.True(t, ok, "register window spill")

	inst, err := a.Decode(0x1000, be32(0x00000010), a.InitialContext())
	require.NoError(t, err)
	e.Inst = inst
	a.LiftInst(e, inst)
	assert.True(t, e.Trapped)
}
