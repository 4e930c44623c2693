package spec

import (
	"testing"

	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFile(t *testing.T) {
	for _, path := range []string{"testdata/x86_add.json", "testdata/x86_add.yaml"} {
		t.Run(path, func(t *testing.T) {
			s, err := ParseFile(path)
			require.NoError(t, err)
			assert.Equal(t, "x86", s.Arch)

			f, ok := s.FunctionAt(0x1000)
			require.True(t, ok)
			assert.Equal(t, "add", f.Name)
			assert.Equal(t, Uid(0), f.EntryUid)
			require.Len(t, f.Params, 2)
			assert.Equal(t, "b", f.Params[1].Name)
			assert.Equal(t, int64(8), f.Params[1].Locs[0].MemOffset)
			assert.True(t, f.Params[1].HasMemLoc())
			assert.Equal(t, types.I32, f.ReturnType())
			require.Len(t, f.InScopeVars, 2)

			// Block without explicit context gets all in-scope variables.
			ctx := f.Context(0)
			assert.Len(t, ctx.LiveAtEntry, 2)
			assert.Len(t, ctx.LiveAtExit, 2)
			ctx = f.Context(1)
			require.Len(t, ctx.LiveAtEntry, 1)
			assert.Equal(t, "eax", ctx.LiveAtEntry[0].Name)
			require.Len(t, ctx.ConstantsAtEntry, 1)
			assert.Equal(t, uint64(0x2000), ctx.ConstantsAtEntry[0].Value)
			assert.True(t, ctx.ConstantsAtEntry[0].TaintByPC)

			hints := f.HintsAt(0x1004)
			require.Len(t, hints, 1)
			assert.Equal(t, "EAX", hints[0].Hint.Locs[0].Reg)
			assert.Empty(t, f.HintsAt(0x1005))

			v, ok := s.VariableContaining(0x2010, 32)
			require.True(t, ok)
			assert.Equal(t, "table", v.Name)
			_, ok = s.VariableContaining(0x2020, 32)
			assert.False(t, ok)

			_, ok = s.CallSiteAt(0x1000, 0x1004)
			assert.True(t, ok)

			call, ok := s.OverrideAt(0x1004).(*Call)
			require.True(t, ok)
			require.NotNil(t, call.Target)
			assert.Equal(t, bin.Addr(0x3000), *call.Target)
			assert.False(t, call.IsTailCall)
			_, ok = s.OverrideAt(0x1008).(*Return)
			assert.True(t, ok)
			assert.Nil(t, s.OverrideAt(0x1001))

			assert.Equal(t, "puts", s.Symbols[0x3000])
			require.Len(t, s.MemoryRanges, 1)
			assert.Len(t, s.MemoryRanges[0].Data, 9)
			assert.True(t, s.MemoryRanges[0].Executable)
			assert.False(t, s.MemoryRanges[0].Writable)
		})
	}
}

func TestCheckLocs(t *testing.T) {
	golden := []struct {
		name string
		locs []LowLoc
		ok   bool
	}{
		{name: "reg", locs: []LowLoc{{Reg: "EAX"}}, ok: true},
		{name: "mem", locs: []LowLoc{{MemReg: "ESP", MemOffset: 4}}, ok: true},
		{name: "reg pair", locs: []LowLoc{{Reg: "EAX"}, {Reg: "EDX"}}, ok: true},
		{name: "split", locs: []LowLoc{{Reg: "EAX"}, {MemReg: "ESP"}}, ok: false},
		{name: "none", locs: nil, ok: false},
		{name: "both in one", locs: []LowLoc{{Reg: "EAX", MemReg: "ESP"}}, ok: false},
	}
	for _, g := range golden {
		v := ValueDecl{Type: types.I32, Locs: g.locs}
		err := v.CheckLocs(0x1000, g.name)
		if g.ok {
			assert.NoError(t, err, g.name)
			continue
		}
		require.Error(t, err, g.name)
		assert.True(t, IsError(err), g.name)
	}
}

func TestDecodeErrors(t *testing.T) {
	block := func(uid Uid, addr bin.Addr, succs ...Uid) RawBlock {
		return RawBlock{Uid: uid, Address: addr, Size: 1, Outgoing: succs}
	}
	golden := []struct {
		name string
		f    RawFunction
	}{
		{
			name: "unknown successor",
			f:    RawFunction{Address: 0x1000, Blocks: []RawBlock{block(0, 0x1000, 7)}},
		},
		{
			name: "duplicate uid",
			f:    RawFunction{Address: 0x1000, Blocks: []RawBlock{block(0, 0x1000), block(0, 0x1001)}},
		},
		{
			name: "no entry block",
			f:    RawFunction{Address: 0x1000, Blocks: []RawBlock{block(0, 0x1001)}},
		},
		{
			name: "split variable",
			f: RawFunction{
				Address: 0x1000,
				InScopeVars: []RawValue{
					{Name: "x", Type: "i64", Locs: []RawLoc{{Reg: "EAX"}, {MemReg: "ESP", MemOffset: 4}}},
				},
				Blocks: []RawBlock{block(0, 0x1000)},
			},
		},
		{
			name: "unknown live variable",
			f: RawFunction{
				Address: 0x1000,
				Blocks:  []RawBlock{{Uid: 0, Address: 0x1000, Size: 1, LiveAtEntry: []string{"y"}}},
			},
		},
	}
	for _, g := range golden {
		_, err := Decode(&RawSpec{Arch: "x86", Functions: []RawFunction{g.f}})
		require.Error(t, err, g.name)
		assert.True(t, IsError(err), g.name)
	}
}

func TestAddOverrideConflict(t *testing.T) {
	s := New("x86")
	require.NoError(t, s.AddOverride(&Return{Address: 0x1000}))
	err := s.AddOverride(&Call{Address: 0x1000})
	require.Error(t, err)
	assert.True(t, IsError(err))

	require.NoError(t, s.AddOverride(&Jump{Address: 0x0800}))
	require.NoError(t, s.AddOverride(&Call{Address: 0x1800}))
	var addrs []bin.Addr
	s.ForEachJump(func(j *Jump) bool {
		addrs = append(addrs, j.Address)
		return true
	})
	s.ForEachCall(func(c *Call) bool {
		addrs = append(addrs, c.Address)
		return true
	})
	s.ForEachReturn(func(r *Return) bool {
		addrs = append(addrs, r.Address)
		return true
	})
	assert.Equal(t, []bin.Addr{0x0800, 0x1800, 0x1000}, addrs)
}

func TestNames(t *testing.T) {
	s := New("x86")
	f := &FunctionDecl{Address: 0x401000, CFG: map[Uid]CodeBlock{0: {Addr: 0x401000, Size: 1}}}
	require.NoError(t, s.AddFunction(f))
	assert.Equal(t, "sub_401000", f.Name)
	v := &VariableDecl{Address: 0x402000, Type: types.I8}
	require.NoError(t, s.AddVariable(v))
	assert.Equal(t, "data_402000", v.Name)
	assert.True(t, IsError(s.AddFunction(&FunctionDecl{Address: 0x401000})))
}
