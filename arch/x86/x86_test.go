package x86

import (
	"testing"

	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFlow(t *testing.T) {
	golden := []struct {
		src     []byte
		flow    arch.Flow
		taken   bin.Addr
		notTake bin.Addr
		cond    bool
	}{
		// mov eax, [esp+4]
		{src: []byte{0x8B, 0x44, 0x24, 0x04}, flow: arch.FlowNormal, notTake: 0x1004},
		// jmp 0x1010
		{src: []byte{0xEB, 0x0E}, flow: arch.FlowDirectJump, taken: 0x1010, notTake: 0x1002},
		// jmp eax
		{src: []byte{0xFF, 0xE0}, flow: arch.FlowIndirectJump, notTake: 0x1002},
		// je 0x0FF0
		{src: []byte{0x74, 0xEE}, flow: arch.FlowCondJump, taken: 0x0FF0, notTake: 0x1002, cond: true},
		// call 0x2000
		{src: []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}, flow: arch.FlowDirectCall, taken: 0x2000, notTake: 0x1005},
		// call dword [eax]
		{src: []byte{0xFF, 0x10}, flow: arch.FlowIndirectCall, notTake: 0x1002},
		// ret
		{src: []byte{0xC3}, flow: arch.FlowReturn, notTake: 0x1001},
		// ud2
		{src: []byte{0x0F, 0x0B}, flow: arch.FlowInvalid, notTake: 0x1002},
	}
	a := New(32)
	for _, g := range golden {
		inst, err := a.Decode(0x1000, g.src, a.InitialContext())
		require.NoError(t, err, "% X", g.src)
		assert.Equal(t, g.flow, inst.Flow, inst.Text)
		assert.Equal(t, g.taken, inst.BranchTakenPC, inst.Text)
		assert.Equal(t, g.notTake, inst.BranchNotTakenPC, inst.Text)
		assert.Equal(t, g.cond, inst.Conditional, inst.Text)
		assert.Equal(t, len(g.src), inst.Len())
	}
}

func TestDecodeError(t *testing.T) {
	a := New(32)
	_, err := a.Decode(0x1000, []byte{0x0F}, a.InitialContext())
	assert.Error(t, err)
	_, err = a.DecodeDelayed(0x1000, []byte{0x90}, a.InitialContext())
	assert.Error(t, err)
}

func TestDecodeMode(t *testing.T) {
	// 48 89 C3: mov rbx, rax in 64-bit mode; dec eax; mov ebx, eax in 32-bit
	// mode.
	a := New(32)
	inst, err := a.Decode(0x1000, []byte{0x48, 0x89, 0xC3}, map[string]uint64{ModeContext: 64})
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Len())
	inst, err = a.Decode(0x1000, []byte{0x48, 0x89, 0xC3}, a.InitialContext())
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Len())
}

func TestRegisters(t *testing.T) {
	a := New(64)
	regs := make(map[string]arch.Register)
	for _, reg := range a.Registers() {
		regs[reg.Name] = reg
	}
	assert.Equal(t, arch.Register{Name: "RAX", Bits: 64}, regs["RAX"])
	assert.Equal(t, arch.Register{Name: "AH", Bits: 8, Parent: "RAX", Shift: 8}, regs["AH"])
	assert.Equal(t, arch.Register{Name: "R8L", Bits: 32, Parent: "R8"}, regs["R8L"])
	assert.Equal(t, arch.Register{Name: "SPB", Bits: 8, Parent: "RSP"}, regs["SPB"])
	assert.Equal(t, arch.Register{Name: "ZF", Bits: 1}, regs["ZF"])

	a = New(32)
	regs = make(map[string]arch.Register)
	for _, reg := range a.Registers() {
		regs[reg.Name] = reg
	}
	assert.Equal(t, arch.Register{Name: "ESP", Bits: 32}, regs["ESP"])
	assert.Equal(t, arch.Register{Name: "CL", Bits: 8, Parent: "ECX"}, regs["CL"])
	_, ok := regs["RAX"]
	assert.False(t, ok)
}

func TestLookup(t *testing.T) {
	a, err := arch.Lookup("X86")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), a.AddressSize())
	a, err = arch.Lookup("amd64")
	require.NoError(t, err)
	assert.Equal(t, "RSP", a.StackPointer())
	_, err = arch.Lookup("mips")
	assert.Error(t, err)
}
