package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/mewmew/xlift/lift"
	"github.com/mewmew/xlift/passes"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/mewmew/xlift/xref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	dbg.SetOutput(ioutil.Discard)
	warn.SetOutput(ioutil.Discard)
	lift.SetDebugOutput(ioutil.Discard)
	provider.SetDebugOutput(ioutil.Discard)
	xref.SetDebugOutput(ioutil.Discard)
	passes.SetDebugOutput(ioutil.Discard)
}

// specPath is the path of the specification used by tests.
const specPath = "../../spec/testdata/x86_add.json"

// newTestLifter returns a lifter of the test specification writing to a
// temporary directory.
func newTestLifter(t *testing.T, runPasses bool) *lifter {
	l, err := newLifter(specPath, "", "")
	require.NoError(t, err)
	l.outDir = t.TempDir()
	l.jobs = 2
	l.passes = runPasses
	return l
}

func TestLiftFuncs(t *testing.T) {
	golden := []struct {
		passes bool
		entity bool
	}{
		{passes: true, entity: true},
		{passes: false, entity: false},
	}
	for _, g := range golden {
		l := newTestLifter(t, g.passes)
		decls, err := l.selectFuncs(0)
		require.NoError(t, err)
		require.Len(t, decls, 1)
		require.NoError(t, l.liftFuncs(decls))
		buf, err := ioutil.ReadFile(filepath.Join(l.outDir, "add.ll"))
		require.NoError(t, err)
		ll := string(buf)
		assert.Contains(t, ll, "define i32 @add(")
		assert.Contains(t, ll, "@add.bb_1000_0")
		// The program counter tainted constant of ECX references the table.
		if g.entity {
			assert.Contains(t, ll, "@table")
		} else {
			assert.NotContains(t, ll, "@table")
		}
	}
}

func TestSelectFuncs(t *testing.T) {
	l := newTestLifter(t, true)
	decls, err := l.selectFuncs(0x1000)
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, "add", decls[0].Name)
	_, err = l.selectFuncs(0x1234)
	assert.Error(t, err)
}

func TestOutputDOT(t *testing.T) {
	l := newTestLifter(t, true)
	decls, err := l.selectFuncs(0)
	require.NoError(t, err)

	cfg := l.funcCFG(decls[0])
	require.Len(t, cfg.Blocks, 2)
	assert.Equal(t, 0, cfg.Blocks[0].Start)
	assert.Equal(t, 8, cfg.Blocks[0].End)
	require.Len(t, cfg.Blocks[0].Succs, 1)
	assert.Equal(t, 1, cfg.Blocks[0].Succs[0].BlockID)
	require.Len(t, cfg.Blocks[0].Calls, 1)
	assert.Equal(t, "puts", cfg.Blocks[0].Calls[0].Callee)
	assert.Equal(t, 4, cfg.Blocks[0].Calls[0].Offset)
	assert.True(t, cfg.Blocks[1].Term)

	require.NoError(t, l.outputDOT(decls))
	buf, err := ioutil.ReadFile(filepath.Join(l.outDir, "callgraph.dot"))
	require.NoError(t, err)
	assert.Contains(t, string(buf), "puts")
	_, err = ioutil.ReadFile(filepath.Join(l.outDir, "add.dot"))
	assert.NoError(t, err)
}

func TestLoadMemory(t *testing.T) {
	s := spec.New("x86")
	_, err := loadMemory(s, filepath.Join(t.TempDir(), "missing.exe"))
	assert.Error(t, err)

	unknown := filepath.Join(t.TempDir(), "unknown.bin")
	require.NoError(t, ioutil.WriteFile(unknown, []byte{0x00, 0x01}, 0644))
	_, err = loadMemory(s, unknown)
	assert.Error(t, err)

	mem, err := loadMemory(s, "")
	require.NoError(t, err)
	_, avail, _ := mem.Query(0x1000)
	assert.Equal(t, provider.Unavailable, avail)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "a_b_c", fileName("a/b:c"))
	assert.Equal(t, "sub_1000", fileName("sub_1000"))
}
