package passes

import (
	"testing"

	"github.com/llir/llvm/ir/enum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalSetOperations(t *testing.T) {
	a := rangeSet(8, 2, 5)
	b := rangeSet(8, 6, 9)
	assert.Equal(t, []interval{{2, 9}}, a.union(b).ivs, "adjacent intervals merge")
	assert.True(t, a.intersect(b).isEmpty())
	assert.Equal(t, []interval{{0, 1}, {6, 255}}, a.complement().ivs)
	assert.True(t, emptySet(8).complement().isFull())
	assert.True(t, fullSet(8).complement().isEmpty())
	assert.Equal(t, []interval{{2, 3}, {6, 9}}, a.symdiff(rangeSet(8, 4, 9)).ivs)

	// Wrapping ranges and rotations.
	w := rangeSet(8, 250, 3)
	assert.Equal(t, []interval{{0, 3}, {250, 255}}, w.ivs)
	assert.Equal(t, []interval{{0, 9}}, w.add(6).ivs)
	assert.Equal(t, []interval{{0, 1}, {254, 255}}, rangeSet(8, 0, 3).add(254).ivs)
	assert.True(t, w.contains(255))
	assert.False(t, w.contains(4))
	assert.Equal(t, "{[0, 3] [250, 255]}", w.String())
}

func TestPredSet(t *testing.T) {
	golden := []struct {
		pred enum.IPred
		k    uint64
		want []interval
	}{
		{pred: enum.IPredEQ, k: 0, want: []interval{{0, 0}}},
		{pred: enum.IPredNE, k: 0, want: []interval{{1, 255}}},
		{pred: enum.IPredULT, k: 8, want: []interval{{0, 7}}},
		{pred: enum.IPredULT, k: 0},
		{pred: enum.IPredUGT, k: 255},
		{pred: enum.IPredUGE, k: 200, want: []interval{{200, 255}}},
		// -128 through 7.
		{pred: enum.IPredSLT, k: 8, want: []interval{{0, 7}, {128, 255}}},
		{pred: enum.IPredSLE, k: 0xFF, want: []interval{{128, 255}}},
		// -2 through 127.
		{pred: enum.IPredSGE, k: 0xFE, want: []interval{{0, 127}, {254, 255}}},
		{pred: enum.IPredSGT, k: 0, want: []interval{{1, 127}}},
	}
	for _, g := range golden {
		s, ok := predSet(g.pred, g.k, 8)
		require.True(t, ok, "%v %d", g.pred, g.k)
		assert.Equal(t, g.want, s.ivs, "%v %d", g.pred, g.k)
	}
}

func TestTermPreimage(t *testing.T) {
	ule7, _ := predSet(enum.IPredULE, 7, 16)
	// zext(x + 2) ule 7, for 8-bit x.
	zt := term{offset: 2, ext: extZero, bits: 16}
	assert.Equal(t, []interval{{0, 5}, {254, 255}}, zt.preimage(ule7, 8).ivs)

	// sext(x) sge -2 and slt 8, for 8-bit x.
	sge, _ := predSet(enum.IPredSGE, 0xFFFE, 16)
	slt, _ := predSet(enum.IPredSLT, 8, 16)
	st := term{ext: extSign, bits: 16}
	assert.Equal(t, []interval{{0, 7}, {254, 255}}, st.preimage(sge.intersect(slt), 8).ivs)
}

func TestBoundOf(t *testing.T) {
	golden := []struct {
		name string
		s    intervalSet
		want Bound
		ok   bool
	}{
		{name: "single", s: rangeSet(32, 2, 9), want: Bound{Lower: 2, Upper: 9}, ok: true},
		{name: "hull", s: rangeSet(32, 0, 1).union(rangeSet(32, 5, 7)), want: Bound{Upper: 7}, ok: true},
		{name: "signed", s: rangeSet(32, 0xFFFFFFFC, 3), want: Bound{Lower: 0xFFFFFFFFFFFFFFFC, Upper: 3, Signed: true}, ok: true},
		{name: "empty", s: emptySet(32)},
		{name: "full", s: fullSet(32)},
		{name: "too large", s: rangeSet(32, 0, maxJumpTableEntries)},
		{name: "too large signed", s: rangeSet(32, 0xFFFFFFFF, maxJumpTableEntries-1)},
	}
	for _, g := range golden {
		b, err := boundOf(g.s)
		if !g.ok {
			assert.Error(t, err, g.name)
			continue
		}
		require.NoError(t, err, g.name)
		assert.Equal(t, g.want, b, g.name)
	}
	b, err := boundOf(rangeSet(32, 0xFFFFFFFF, maxJumpTableEntries-2))
	require.NoError(t, err)
	assert.Equal(t, Bound{Lower: ^uint64(0), Upper: maxJumpTableEntries - 2, Signed: true}, b)
}
