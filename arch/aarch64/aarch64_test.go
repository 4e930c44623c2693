package aarch64

import (
	"encoding/binary"
	"testing"

	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFlow(t *testing.T) {
	golden := []struct {
		raw    uint32
		flow   arch.Flow
		target bin.Addr
	}{
		// ret
		{raw: 0xD65F03C0, flow: arch.FlowReturn},
		// br x16
		{raw: 0xD61F0200, flow: arch.FlowIndirectJump},
		// blr x8
		{raw: 0xD63F0100, flow: arch.FlowIndirectCall},
		// b #0x100
		{raw: 0x14000040, flow: arch.FlowDirectJump, target: 0x1100},
		// b #-0x10
		{raw: 0x17FFFFFC, flow: arch.FlowDirectJump, target: 0x0FF0},
		// bl #0x20
		{raw: 0x94000008, flow: arch.FlowDirectCall, target: 0x1020},
		// b.eq #0x20
		{raw: 0x54000100, flow: arch.FlowCondJump, target: 0x1020},
		// cbz x0, #0x8
		{raw: 0xB4000040, flow: arch.FlowCondJump, target: 0x1008},
		// tbnz w1, #3, #0x10
		{raw: 0x37180081, flow: arch.FlowCondJump, target: 0x1010},
		// nop
		{raw: 0xD503201F, flow: arch.FlowNormal},
		// stp x29, x30, [sp, #-16]!
		{raw: 0xA9BF7BFD, flow: arch.FlowNormal},
	}
	a := New()
	for _, g := range golden {
		src := make([]byte, 4)
		binary.LittleEndian.PutUint32(src, g.raw)
		inst, err := a.Decode(0x1000, src, a.InitialContext())
		require.NoError(t, err, "0x%08X", g.raw)
		assert.Equal(t, g.flow, inst.Flow, inst.Text)
		assert.Equal(t, g.target, inst.BranchTakenPC, inst.Text)
		assert.Equal(t, bin.Addr(0x1004), inst.BranchNotTakenPC, inst.Text)
		assert.Equal(t, g.flow == arch.FlowCondJump, inst.Conditional, inst.Text)
	}
}

func TestDecodeErrors(t *testing.T) {
	a := New()
	_, err := a.Decode(0x1000, []byte{0x1F, 0x20, 0x03}, a.InitialContext())
	assert.Error(t, err)
	_, err = a.Decode(0x1002, []byte{0x1F, 0x20, 0x03, 0xD5}, a.InitialContext())
	assert.Error(t, err)
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int64(-4), signExtend(0x03FFFFFC, 26))
	assert.Equal(t, int64(0x40), signExtend(0x40, 26))
	assert.Equal(t, int64(-1), signExtend(0x7F, 7))
}
