package xref

import (
	"io/ioutil"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	dbg.SetOutput(ioutil.Discard)
}

// newSpec returns a specification with a function at 0x1000, a 32-byte table
// at 0x2000 and a symbol at 0x3000.
func newSpec(t *testing.T) *spec.Specification {
	s := spec.New("x86")
	require.NoError(t, s.AddFunction(&spec.FunctionDecl{
		CallableDecl: spec.CallableDecl{
			Returns: []spec.ValueDecl{{Type: types.I32, Locs: []spec.LowLoc{{Reg: "EAX"}}}},
		},
		Address: 0x1000,
		Name:    "add",
	}))
	require.NoError(t, s.AddVariable(&spec.VariableDecl{
		Address: 0x2000,
		Name:    "table",
		Type:    types.NewArray(8, types.I32),
		Size:    32,
	}))
	s.Symbols[0x3000] = "puts"
	return s
}

func TestEntityAtAddress(t *testing.T) {
	r := NewResolver(newSpec(t), 32)
	golden := []struct {
		addr   bin.Addr
		kind   EntityKind
		name   string
		offset uint64
		ok     bool
	}{
		{addr: 0x1000, kind: KindFunction, name: "add", ok: true},
		{addr: 0x1001},
		{addr: 0x2000, kind: KindVariable, name: "table", ok: true},
		{addr: 0x2008, kind: KindVariable, name: "table", offset: 8, ok: true},
		{addr: 0x2020},
		{addr: 0x3000, kind: KindSymbol, name: "puts", ok: true},
	}
	for _, g := range golden {
		e, ok := r.EntityAtAddress(g.addr)
		require.Equal(t, g.ok, ok, "%v", g.addr)
		if !ok {
			continue
		}
		assert.Equal(t, g.kind, e.Kind, "%v", g.addr)
		assert.Equal(t, g.name, e.Name, "%v", g.addr)
		assert.Equal(t, g.offset, e.Offset, "%v", g.addr)
		// Cache idempotence.
		again, ok := r.EntityAtAddress(g.addr)
		assert.True(t, ok)
		assert.Equal(t, e, again)
	}
	r.ClearCache()
	e, ok := r.EntityAtAddress(0x2008)
	assert.True(t, ok)
	assert.Equal(t, uint64(8), e.Offset)

	addr, ok := r.AddressOfEntity("table")
	assert.True(t, ok)
	assert.Equal(t, bin.Addr(0x2000), addr)
	_, ok = r.AddressOfEntity("missing")
	assert.False(t, ok)
}

func TestTryResolveReference(t *testing.T) {
	m := ir.NewModule()
	intr := arch.NewIntrinsics(m)
	fo := NewFolder(NewResolver(newSpec(t), 32), m)
	marker := func(name string) constant.Constant {
		return constant.NewPtrToInt(intr.Marker(name), types.I32)
	}
	add := m.NewFunc("add", types.I32)
	unknown := m.NewGlobal("unknown", types.I32)

	golden := []struct {
		name   string
		v      constant.Constant
		addr   bin.Addr
		valid  bool
		entity bool
		use    bool
	}{
		{name: "integer", v: constant.NewInt(types.I32, 0x2000), addr: 0x2000, valid: true},
		{name: "pc", v: constant.NewAdd(marker(arch.PCMarker), constant.NewInt(types.I32, 0x2000)), addr: 0x2000, valid: true, use: true},
		{name: "sp", v: constant.NewAdd(marker(arch.SPMarker), constant.NewInt(types.I32, -4)), addr: 0xFFFFFFFC, valid: true},
		{name: "ra", v: marker(arch.RAMarker), valid: true},
		{name: "function", v: constant.NewPtrToInt(add, types.I32), addr: 0x1000, valid: true, entity: true, use: true},
		{name: "unknown global", v: constant.NewPtrToInt(unknown, types.I32)},
		{name: "shift", v: constant.NewShl(constant.NewInt(types.I32, 0x200), constant.NewInt(types.I32, 4)), addr: 0x2000, valid: true},
	}
	for _, g := range golden {
		ref := fo.TryResolveReferenceWithClearedCache(g.v)
		assert.Equal(t, g.valid, ref.IsValid, g.name)
		if g.valid {
			assert.Equal(t, g.addr, ref.Address, g.name)
			assert.Equal(t, uint64(32), ref.Bits, g.name)
		}
		assert.Equal(t, g.entity, ref.ReferencesEntity, g.name)
		assert.Equal(t, g.use, ref.IsEntityUse(), g.name)
		// Resolving twice without clearing the cache yields equal results.
		assert.Equal(t, ref, fo.TryResolveReference(g.v), g.name)
	}
	ref := fo.TryResolveReferenceWithClearedCache(constant.NewAdd(marker(arch.SPMarker), constant.NewInt(types.I32, -4)))
	assert.True(t, ref.ReferencesStackPointer)
	assert.False(t, ref.IsEntityUse())
}

func TestTryResolveReferenceInstructions(t *testing.T) {
	m := ir.NewModule()
	intr := arch.NewIntrinsics(m)
	fo := NewFolder(NewResolver(newSpec(t), 32), m)
	f := m.NewFunc("f", types.Void, ir.NewParam("x", types.I32))
	entry := f.NewBlock("")
	pc := entry.NewPtrToInt(intr.Marker(arch.PCMarker), types.I32)
	base := entry.NewAdd(pc, constant.NewInt(types.I32, 0x2000))
	elem := entry.NewAdd(base, constant.NewInt(types.I32, 8))
	dynamic := entry.NewAdd(base, f.Params[0])
	entry.NewRet(nil)

	ref := fo.TryResolveReferenceWithClearedCache(elem)
	assert.True(t, ref.IsValid)
	assert.True(t, ref.ReferencesProgramCounter)
	assert.Equal(t, bin.Addr(0x2008), ref.Address)

	ref = fo.TryResolveReferenceWithClearedCache(dynamic)
	assert.False(t, ref.IsValid)
	assert.False(t, ref.IsEntityUse())
}

func TestFolderEntityAtAddress(t *testing.T) {
	m := ir.NewModule()
	fo := NewFolder(NewResolver(newSpec(t), 32), m)

	c, ok := fo.EntityAtAddress(0x1000)
	require.True(t, ok)
	f, ok := c.(*ir.Func)
	require.True(t, ok)
	assert.Equal(t, "add", f.Name())
	assert.True(t, f.Sig.RetType.Equal(types.I32))

	c, ok = fo.EntityAtAddress(0x2000)
	require.True(t, ok)
	g, ok := c.(*ir.Global)
	require.True(t, ok)
	assert.Equal(t, "table", g.Name())

	c, ok = fo.EntityAtAddress(0x2008)
	require.True(t, ok)
	assert.IsType(t, &constant.ExprGetElementPtr{}, c)
	assert.Len(t, m.Globals, 1, "entity declared once")

	ref := fo.TryResolveReferenceWithClearedCache(c)
	assert.True(t, ref.IsValid)
	assert.Equal(t, bin.Addr(0x2008), ref.Address)

	_, ok = fo.EntityAtAddress(0x4000)
	assert.False(t, ok)
}
