package passes

import (
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceEval(t *testing.T) {
	m := ir.NewModule()
	x := ir.NewParam("x", types.I32)
	y := ir.NewParam("y", types.I32)
	f := m.NewFunc("f", types.Void, x, y)
	entry := f.NewBlock("entry")
	// sext(trunc(x) to i8) + 0x10
	narrow := entry.NewTrunc(x, types.I8)
	wide := entry.NewSExt(narrow, types.I32)
	sum := entry.NewAdd(wide, constant.NewInt(types.I32, 0x10))
	// ((x << 2) | 1) ^ 0xF0 - 3
	shifted := entry.NewShl(x, constant.NewInt(types.I32, 2))
	or := entry.NewOr(shifted, constant.NewInt(types.I32, 1))
	xor := entry.NewXor(or, constant.NewInt(types.I32, 0xF0))
	sub := entry.NewSub(xor, constant.NewInt(types.I32, 3))
	// x + y
	both := entry.NewAdd(x, y)
	load := entry.NewLoad(types.I32, constant.NewNull(types.NewPointer(types.I32)))
	entry.NewRet(nil)

	golden := []struct {
		name string
		root value.Value
		in   uint64
		want uint64
	}{
		{name: "sign extension", root: sum, in: 0xFF, want: 0xF},
		{name: "sign extension positive", root: sum, in: 0x17F, want: 0x8F},
		{name: "bitwise", root: sub, in: 3, want: (((3 << 2) | 1) ^ 0xF0) - 3},
		{name: "leaf", root: x, in: 42, want: 42},
	}
	for _, g := range golden {
		s, err := NewSlice(g.root, 32, nil)
		require.NoError(t, err, g.name)
		assert.Equal(t, value.Value(x), s.Leaf, g.name)
		got, ok := s.Eval(g.in)
		require.True(t, ok, g.name)
		assert.Equal(t, g.want, got, g.name)
	}

	// Constant slice.
	c := constant.NewAdd(constant.NewInt(types.I32, 0x1000), constant.NewInt(types.I32, -1))
	s, err := NewSlice(c, 32, nil)
	require.NoError(t, err)
	assert.Nil(t, s.Leaf)
	got, ok := s.Eval(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0xFFF), got)

	// Multiple inputs.
	_, err = NewSlice(both, 32, nil)
	assert.Error(t, err)

	// Values other than the designated leaf are not interpreted.
	_, err = NewSlice(entry.NewAdd(load, constant.NewInt(types.I32, 1)), 32, func(v value.Value) bool {
		return v == value.Value(x)
	})
	assert.Error(t, err)
}

func TestSliceEvalOverShift(t *testing.T) {
	m := ir.NewModule()
	x := ir.NewParam("x", types.I32)
	f := m.NewFunc("f", types.Void, x)
	entry := f.NewBlock("entry")
	shl := entry.NewShl(constant.NewInt(types.I32, 1), x)
	entry.NewRet(nil)

	s, err := NewSlice(shl, 32, nil)
	require.NoError(t, err)
	got, ok := s.Eval(4)
	require.True(t, ok)
	assert.Equal(t, uint64(16), got)
	_, ok = s.Eval(32)
	assert.False(t, ok)
}
