package passes

import (
	"encoding/binary"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch/x86"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/lift"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dispatchDecl returns the declaration of a 32-bit x86 function
//
//	0x1000: cmp eax, 7
//	0x1003: ja 0x100E
//	0x1005: jmp [eax*4+0x2000]
//	0x100C: nop
//	0x100D: nop
//	0x100E: ret
//
// where the bounds check and the indirect jump are in separate basic blocks.
func dispatchDecl() *spec.FunctionDecl {
	eax := spec.ValueDecl{Type: types.I32, Locs: []spec.LowLoc{{Reg: "EAX"}}}
	return &spec.FunctionDecl{
		Address: 0x1000,
		Name:    "dispatch",
		InScopeVars: []spec.ParameterDecl{
			{Name: "eax", ValueDecl: eax},
		},
		CFG: map[spec.Uid]spec.CodeBlock{
			0: {Addr: 0x1000, Size: 5, Uid: 0, OutgoingEdges: []spec.Uid{1, 2}},
			1: {Addr: 0x1005, Size: 7, Uid: 1},
			2: {Addr: 0x100E, Size: 1, Uid: 2},
		},
	}
}

// dispatchImage returns the memory image of the dispatch function and its jump
// table of 8 entries at tableBase.
func dispatchImage(t *testing.T) *provider.Image {
	code := []byte{
		0x83, 0xF8, 0x07, // cmp eax, 7
		0x77, 0x09, // ja 0x100E
		0xFF, 0x24, 0x85, 0x00, 0x20, 0x00, 0x00, // jmp [eax*4+0x2000]
		0x90, 0x90, // nop; nop
		0xC3, // ret
	}
	table := make([]byte, 4*8)
	for i, entry := range absoluteEntries() {
		binary.LittleEndian.PutUint32(table[4*i:], entry)
	}
	img := provider.NewImage()
	require.NoError(t, img.Map(0x1000, code, provider.ReadableExecutable))
	require.NoError(t, img.Map(tableBase, table, provider.Readable))
	return img
}

func TestJumpTableAnalysisLiftedFunction(t *testing.T) {
	img := dispatchImage(t)
	el := lift.NewEntityLifter(lift.Options{Arch: x86.New(32), Memory: img})
	_, err := el.LiftFunction(dispatchDecl())
	require.NoError(t, err)
	m := el.Module()

	var jump *ir.Func
	for _, f := range m.Funcs {
		if f.Name() == "dispatch.bb_1005_1" {
			jump = f
		}
	}
	require.NotNil(t, jump)

	// Without forwarding, the index is loaded from the processor state and the
	// guard is out of reach.
	a := NewJumpTableAnalysis(img, binary.LittleEndian)
	assert.Equal(t, 0, a.Run(jump))

	for _, f := range m.Funcs {
		ForwardStores(f)
	}
	require.Equal(t, 1, a.Run(jump))
	res, ok := a.ResultFor(indirectJump(t, jump))
	require.True(t, ok)
	assert.Equal(t, Bound{Upper: 7}, res.Bounds)
	var want []bin.Addr
	for _, entry := range absoluteEntries() {
		want = append(want, bin.Addr(entry))
	}
	assert.Equal(t, want, res.Targets)
	// The guard is in the predecessor basic block function.
	assert.Nil(t, res.Default)

	require.Equal(t, 1, LowerSwitches(jump, a))
	for _, block := range jump.Blocks {
		for _, inst := range block.Insts {
			_, ok := isIndirectJump(inst)
			assert.False(t, ok, "indirect jump left in %v", block.Ident())
		}
	}
}
