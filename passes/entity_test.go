package passes

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
	"github.com/mewmew/xlift/xref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entitySpec returns a specification with a function at 0x1000 and a 32-byte
// table at 0x2000.
func entitySpec(t *testing.T) *spec.Specification {
	s := spec.New("x86")
	require.NoError(t, s.AddFunction(&spec.FunctionDecl{Address: 0x1000, Name: "add"}))
	require.NoError(t, s.AddVariable(&spec.VariableDecl{
		Address: 0x2000,
		Name:    "table",
		Type:    types.NewArray(8, types.I32),
		Size:    32,
	}))
	return s
}

// attachment reports whether mds holds an attachment of the given name.
func attachment(mds []*metadata.Attachment, name string) bool {
	for _, md := range mds {
		if md.Name == name {
			return true
		}
	}
	return false
}

func TestConvertAddressesToEntityUses(t *testing.T) {
	m := ir.NewModule()
	intr := arch.NewIntrinsics(m)
	fo := xref.NewFolder(xref.NewResolver(entitySpec(t), 32), m)
	use := m.NewFunc("use", types.Void, ir.NewParam("", types.I32))
	read := intr.ReadMemory(32, 32)
	f := m.NewFunc("f", types.I32)
	entry := f.NewBlock("entry")

	pcMarker := constant.NewPtrToInt(intr.Marker(arch.PCMarker), types.I32)
	spMarker := constant.NewPtrToInt(intr.Marker(arch.SPMarker), types.I32)
	raMarker := constant.NewPtrToInt(intr.Marker(arch.RAMarker), types.I32)
	mem := constant.NewNull(types.I8Ptr)
	// Program counter tainted function address computed by instructions.
	pc := entry.NewPtrToInt(intr.Marker(arch.PCMarker), types.I32)
	fn := entry.NewAdd(pc, constant.NewInt(types.I32, 0x1000))
	entry.NewCall(use, fn)
	// Program counter tainted address within the table.
	elem := entry.NewCall(read, mem, constant.NewAdd(pcMarker, constant.NewInt(types.I32, 0x2004)))
	// Stack pointer relative address.
	spAddr := constant.NewAdd(spMarker, constant.NewInt(types.I32, 8))
	sp := entry.NewCall(read, mem, spAddr)
	// Return address relative address, offset into the table range.
	raAddr := constant.NewAdd(raMarker, constant.NewInt(types.I32, 0x2004))
	ra := entry.NewCall(read, mem, raAddr)
	// Return address relative address computed by instructions.
	raInst := entry.NewAdd(entry.NewPtrToInt(intr.Marker(arch.RAMarker), types.I32), constant.NewInt(types.I32, 0x1000))
	entry.NewCall(use, raInst)
	// Plain integer.
	plain := constant.NewInt(types.I32, 0x2004)
	num := entry.NewCall(read, mem, plain)
	entry.NewRet(elem)

	conv := ConvertAddressesToEntityUses(f, fo)
	require.Len(t, conv, 2)

	assert.Equal(t, bin.Addr(0x1000), conv[0].Ref.Address)
	assert.True(t, conv[0].Ref.ReferencesProgramCounter)
	ptr, ok := conv[0].Entity.(*constant.ExprPtrToInt)
	require.True(t, ok)
	g, ok := ptr.From.(*ir.Func)
	require.True(t, ok)
	assert.Equal(t, "add", g.Name())
	assert.True(t, attachment(g.Metadata, EntityAddrMetadata))

	assert.Equal(t, bin.Addr(0x2004), conv[1].Ref.Address)
	assert.Equal(t, conv[1].Entity, elem.Args[1])
	ptr, ok = elem.Args[1].(*constant.ExprPtrToInt)
	require.True(t, ok)
	assert.IsType(t, &constant.ExprGetElementPtr{}, ptr.From)
	var table *ir.Global
	for _, global := range m.Globals {
		if global.Name() == "table" {
			table = global
		}
	}
	require.NotNil(t, table)
	assert.True(t, attachment(table.Metadata, EntityAddrMetadata))

	// Stack pointer and return address relative operands and plain integer
	// operands are left untouched.
	assert.Equal(t, spAddr, sp.Args[1])
	assert.Equal(t, raAddr, ra.Args[1])
	assert.Equal(t, plain, num.Args[1])
	assert.Contains(t, entry.Insts, ir.Instruction(raInst))

	// Dead address computations are removed.
	assert.Len(t, entry.Insts, 8)
	for _, inst := range entry.Insts {
		assert.NotEqual(t, fn, inst)
		assert.NotEqual(t, pc, inst)
	}

	// Rewriting is idempotent.
	assert.Empty(t, ConvertAddressesToEntityUses(f, fo))
}
