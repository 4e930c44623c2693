package lift

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/arch/sparc"
	"github.com/mewmew/xlift/arch/x86"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	SetDebugOutput(discard{})
}

// discard is an io.Writer which discards all output.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// reg returns a register-backed value declaration.
func reg(t types.Type, name string) spec.ValueDecl {
	return spec.ValueDecl{Type: t, Locs: []spec.LowLoc{{Reg: name}}}
}

// stack returns a stack-backed value declaration.
func stack(t types.Type, base string, offset int64) spec.ValueDecl {
	return spec.ValueDecl{Type: t, Locs: []spec.LowLoc{{MemReg: base, MemOffset: offset}}}
}

// addDecl returns the declaration of a 32-bit x86 function
//
//	0x1000: mov eax, [esp+4]
//	0x1004: add eax, [esp+8]
//	0x1008: ret
//
// split into two basic blocks.
func addDecl() *spec.FunctionDecl {
	return &spec.FunctionDecl{
		CallableDecl: spec.CallableDecl{
			Params: []spec.ParameterDecl{
				{Name: "a", ValueDecl: stack(types.I32, "ESP", 4)},
				{Name: "b", ValueDecl: stack(types.I32, "ESP", 8)},
			},
			Returns: []spec.ValueDecl{reg(types.I32, "EAX")},
		},
		Address: 0x1000,
		Name:    "add",
		InScopeVars: []spec.ParameterDecl{
			{Name: "eax", ValueDecl: reg(types.I32, "EAX")},
			{Name: "ecx", ValueDecl: reg(types.I32, "ECX")},
		},
		CFG: map[spec.Uid]spec.CodeBlock{
			0: {Addr: 0x1000, Size: 8, Uid: 0, OutgoingEdges: []spec.Uid{1}},
			1: {Addr: 0x1008, Size: 1, Uid: 1},
		},
		EntryUid: 0,
	}
}

// addImage returns the memory image of the add function.
func addImage(t *testing.T, perm provider.BytePermission) *provider.Image {
	img := provider.NewImage()
	code := []byte{0x8B, 0x44, 0x24, 0x04, 0x03, 0x44, 0x24, 0x08, 0xC3}
	require.NoError(t, img.Map(0x1000, code, perm))
	return img
}

// x86Options returns lifting options for 32-bit x86 with the given memory.
func x86Options(mem provider.MemoryProvider) Options {
	return Options{Arch: x86.New(32), Memory: mem}
}

// findFunc returns the function of the given name in m.
func findFunc(t *testing.T, m *ir.Module, name string) *ir.Func {
	for _, f := range m.Funcs {
		if f.Name() == name {
			return f
		}
	}
	require.Failf(t, "function not found", "%q", name)
	return nil
}

// switchOf returns the switch terminator of f.
func switchOf(t *testing.T, f *ir.Func) *ir.TermSwitch {
	for _, block := range f.Blocks {
		if term, ok := block.Term.(*ir.TermSwitch); ok {
			return term
		}
	}
	require.Fail(t, "switch not found", f.Name())
	return nil
}

func TestLiftFunction(t *testing.T) {
	el := NewEntityLifter(x86Options(addImage(t, provider.ReadableExecutable)))
	f, err := el.LiftFunction(addDecl())
	require.NoError(t, err)
	assert.Equal(t, "add", f.Name())
	assert.NotEmpty(t, f.Blocks)

	m := el.Module()
	bb0 := findFunc(t, m, "add.bb_1000_0")
	bb1 := findFunc(t, m, "add.bb_1008_1")
	for _, bb := range []*ir.Func{bb0, bb1} {
		require.Len(t, bb.Params, 3)
		assert.Equal(t, "program_counter", bb.Params[0].Name())
		assert.Equal(t, "memory", bb.Params[1].Name())
		assert.Equal(t, "frame", bb.Params[2].Name())
		assert.True(t, bb.Sig.RetType.Equal(types.I32))
		var names []string
		for _, md := range bb.Metadata {
			names = append(names, md.Name)
		}
		assert.ElementsMatch(t, []string{BasicBlockAddrMetadata, BasicBlockUidMetadata}, names)
	}

	// Exactly one dispatch case per successor; anything else is an invalid
	// successor.
	sw := switchOf(t, bb0)
	require.Len(t, sw.Cases, 1)
	x, ok := sw.Cases[0].X.(*constant.Int)
	require.True(t, ok)
	assert.Equal(t, int64(0x1008), x.X.Int64())
	def, ok := sw.TargetDefault.(*ir.Block)
	require.True(t, ok)
	assert.Equal(t, "invalid_successor", def.Name())
	assert.IsType(t, &ir.TermUnreachable{}, def.Term)
	target, ok := sw.Cases[0].Target.(*ir.Block)
	require.True(t, ok)
	var callsSucc bool
	for _, inst := range target.Insts {
		if call, ok := inst.(*ir.InstCall); ok && call.Callee == bb1 {
			callsSucc = true
		}
	}
	assert.True(t, callsSucc, "dispatch case calls successor")

	// The last block has no successors.
	assert.Empty(t, switchOf(t, bb1).Cases)

	out := m.String()
	assert.Contains(t, out, "@__lifter_sp")
	assert.Contains(t, out, "@__lifter_ra")
	assert.Contains(t, out, "@__lifter_read_memory_32")
	assert.Contains(t, out, "@__lifter_error")
}

func TestLiftDeterminism(t *testing.T) {
	lift := func() string {
		el := NewEntityLifter(x86Options(addImage(t, provider.ReadableExecutable)))
		_, err := el.LiftFunction(addDecl())
		require.NoError(t, err)
		return el.Module().String()
	}
	assert.Equal(t, lift(), lift())
}

func TestDecodeFailureAbortsFunction(t *testing.T) {
	golden := []struct {
		name string
		mem  provider.MemoryProvider
	}{
		{name: "unavailable", mem: provider.NullMemoryProvider{}},
		{name: "not executable", mem: addImage(t, provider.Readable)},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			el := NewEntityLifter(x86Options(g.mem))
			_, err := el.LiftFunction(addDecl())
			require.Error(t, err)
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, bin.Addr(0x1000), decodeErr.Addr)
			assert.Empty(t, findFunc(t, el.Module(), "add").Blocks)
		})
	}
}

func TestSpecificationErrors(t *testing.T) {
	golden := []struct {
		name   string
		modify func(decl *spec.FunctionDecl)
	}{
		{
			name: "split locations",
			modify: func(decl *spec.FunctionDecl) {
				decl.InScopeVars[1].Locs = []spec.LowLoc{{Reg: "ECX", Size: 16}, {MemReg: "ESP", MemOffset: 12, Size: 16}}
			},
		},
		{
			name: "unknown register",
			modify: func(decl *spec.FunctionDecl) {
				decl.InScopeVars[1].Locs = []spec.LowLoc{{Reg: "XMM9"}}
			},
		},
		{
			name: "unknown successor",
			modify: func(decl *spec.FunctionDecl) {
				block := decl.CFG[1]
				block.OutgoingEdges = []spec.Uid{7}
				decl.CFG[1] = block
			},
		},
		{
			name: "live value not in scope",
			modify: func(decl *spec.FunctionDecl) {
				decl.Contexts = map[spec.Uid]*spec.BlockContext{
					0: {LiveAtEntry: []spec.ParameterDecl{{Name: "edx", ValueDecl: reg(types.I32, "EDX")}}},
				}
			},
		},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			decl := addDecl()
			g.modify(decl)
			el := NewEntityLifter(x86Options(addImage(t, provider.ReadableExecutable)))
			_, err := el.LiftFunction(decl)
			require.Error(t, err)
			assert.True(t, spec.IsError(err), "%+v", err)
		})
	}
}

func TestGetOrCreateBasicBlockLifter(t *testing.T) {
	el := NewEntityLifter(x86Options(addImage(t, provider.ReadableExecutable)))
	fl, err := el.NewFunctionLifter(addDecl())
	require.NoError(t, err)
	bl1, err := fl.GetOrCreateBasicBlockLifter(1)
	require.NoError(t, err)
	bl2, err := fl.GetOrCreateBasicBlockLifter(1)
	require.NoError(t, err)
	assert.Same(t, bl1, bl2)
	require.NoError(t, bl1.Lift())
	n := len(bl1.Func.Blocks)
	require.NoError(t, bl1.Lift())
	assert.Len(t, bl1.Func.Blocks, n, "basic block lifted at most once")
	_, err = fl.GetOrCreateBasicBlockLifter(42)
	assert.True(t, spec.IsError(err))
}

func TestPackUnpack(t *testing.T) {
	// A block of a single nop leaves every in-scope variable unmodified.
	img := provider.NewImage()
	require.NoError(t, img.Map(0x1000, []byte{0x90}, provider.ReadableExecutable))
	decl := &spec.FunctionDecl{
		Address: 0x1000,
		Name:    "f",
		InScopeVars: []spec.ParameterDecl{
			{Name: "ecx", ValueDecl: reg(types.I32, "ECX")},
			{Name: "local", ValueDecl: stack(types.I32, "ESP", -4)},
			{Name: "wide", ValueDecl: spec.ValueDecl{Type: types.I64, Locs: []spec.LowLoc{{Reg: "EAX"}, {Reg: "EDX"}}}},
		},
		CFG: map[spec.Uid]spec.CodeBlock{
			0: {Addr: 0x1000, Size: 1, Uid: 0},
		},
	}
	el := NewEntityLifter(x86Options(img))
	_, err := el.LiftFunction(decl)
	require.NoError(t, err)
	bb := findFunc(t, el.Module(), "f.bb_1000_0")
	frame := bb.Params[2]

	// Frame field accesses of the basic block function, keyed by field index.
	loads := make(map[int64]int)
	stores := make(map[int64]int)
	for _, block := range bb.Blocks {
		for _, inst := range block.Insts {
			var src interface{}
			var m map[int64]int
			switch inst := inst.(type) {
			case *ir.InstLoad:
				src, m = inst.Src, loads
			case *ir.InstStore:
				src, m = inst.Dst, stores
			default:
				continue
			}
			gep, ok := src.(*ir.InstGetElementPtr)
			if !ok || gep.Src != frame {
				continue
			}
			idx, ok := gep.Indices[1].(*constant.Int)
			require.True(t, ok)
			m[idx.X.Int64()]++
		}
	}
	// Memory-backed variables are never duplicated into the frame.
	assert.Equal(t, map[int64]int{0: 1, 1: 1}, loads)
	assert.Equal(t, map[int64]int{0: 1, 1: 1}, stores)
	assert.Contains(t, el.Module().String(), "%f.frame = type { i32, i64 }")
}

func TestConditionalTailCallOverride(t *testing.T) {
	// 0x1000: je 0x1010
	// 0x1002: ret
	img := provider.NewImage()
	require.NoError(t, img.Map(0x1000, []byte{0x74, 0x0E, 0xC3}, provider.ReadableExecutable))
	target := bin.Addr(0x3000)
	s := spec.New("x86")
	require.NoError(t, s.AddOverride(&spec.Call{Address: 0x1000, Target: &target, IsTailCall: true}))
	decl := &spec.FunctionDecl{
		Address: 0x1000,
		Name:    "f",
		CFG: map[spec.Uid]spec.CodeBlock{
			0: {Addr: 0x1000, Size: 2, Uid: 0, OutgoingEdges: []spec.Uid{1}},
			1: {Addr: 0x1002, Size: 1, Uid: 1},
		},
	}
	opts := x86Options(img)
	opts.ControlFlow = provider.NewSpecControlFlowProvider(s)
	el := NewEntityLifter(opts)
	_, err := el.LiftFunction(decl)
	require.NoError(t, err)
	bb := findFunc(t, el.Module(), "f.bb_1000_0")
	var condBrs, unreachables int
	for _, block := range bb.Blocks {
		switch block.Term.(type) {
		case *ir.TermCondBr:
			condBrs++
		case *ir.TermUnreachable:
			unreachables++
		}
	}
	// Branch on BRANCH_TAKEN and on should_return.
	assert.Equal(t, 2, condBrs)
	// Tail call and invalid successor.
	assert.Equal(t, 2, unreachables)
	// Decoding resumes in the continuation; the block dispatches on NEXT_PC.
	require.Len(t, switchOf(t, bb).Cases, 1)
	assert.Contains(t, el.Module().String(), "@__lifter_function_call")
}

func TestTypedCall(t *testing.T) {
	// 0x1000: call 0x3000
	// 0x1005: ret
	img := provider.NewImage()
	require.NoError(t, img.Map(0x1000, []byte{0xE8, 0xFB, 0x1F, 0x00, 0x00, 0xC3}, provider.ReadableExecutable))
	decl := &spec.FunctionDecl{
		Address: 0x1000,
		Name:    "f",
		InScopeVars: []spec.ParameterDecl{
			{Name: "eax", ValueDecl: reg(types.I32, "EAX")},
		},
		CFG: map[spec.Uid]spec.CodeBlock{
			0: {Addr: 0x1000, Size: 5, Uid: 0, OutgoingEdges: []spec.Uid{1}},
			1: {Addr: 0x1005, Size: 1, Uid: 1},
		},
	}
	opts := x86Options(img)
	opts.Types = provider.DefaultCallableTypeProvider{Decl: &spec.CallableDecl{
		Params:  []spec.ParameterDecl{{Name: "x", ValueDecl: stack(types.I32, "ESP", 4)}},
		Returns: []spec.ValueDecl{reg(types.I32, "EAX")},
	}}
	el := NewEntityLifter(opts)
	_, err := el.LiftFunction(decl)
	require.NoError(t, err)
	callee := findFunc(t, el.Module(), "sub_3000")
	assert.Empty(t, callee.Blocks)
	assert.True(t, callee.Sig.RetType.Equal(types.I32))
	bb := findFunc(t, el.Module(), "f.bb_1000_0")
	assert.Contains(t, el.Module().String(), "call i32 @sub_3000(")
	// Execution resumes at the return address.
	sw := switchOf(t, bb)
	require.Len(t, sw.Cases, 1)
	assert.Equal(t, int64(0x1005), sw.Cases[0].X.(*constant.Int).X.Int64())
}

// sparcWords returns the big-endian encoding of the given instruction words.
func sparcWords(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

func TestReturnAddress(t *testing.T) {
	const (
		call  = 0x40000100
		nop   = 0x01000000
		unimp = 0x00000010
	)
	golden := []struct {
		name string
		code []byte
		perm provider.BytePermission
		want bin.Addr
	}{
		{name: "marker", code: sparcWords(call, unimp), perm: provider.ReadableExecutable, want: 0x1008},
		{name: "no marker", code: sparcWords(call, nop), perm: provider.ReadableExecutable, want: 0x1004},
		{name: "not executable", code: sparcWords(call, unimp), perm: provider.Readable, want: 0x1004},
		{name: "unavailable", code: sparcWords(call), perm: provider.ReadableExecutable, want: 0x1004},
	}
	for _, g := range golden {
		t.Run(g.name, func(t *testing.T) {
			img := provider.NewImage()
			require.NoError(t, img.Map(0x1000, g.code, g.perm))
			assert.Equal(t, g.want, ReturnAddress(sparc.New(), img, 0x1004))
		})
	}
	// Architectures without the marker convention.
	img := provider.NewImage()
	require.NoError(t, img.Map(0x1000, []byte{0xE8, 0, 0, 0, 0, 0, 0, 0, 0}, provider.ReadableExecutable))
	assert.Equal(t, bin.Addr(0x1005), ReturnAddress(x86.New(32), img, 0x1005))
}

func TestSPARCStructReturnCall(t *testing.T) {
	// 0x1000: call 0x2000
	// 0x1004: nop
	// 0x1008: unimp 8 (or nop)
	// 0x100C: retl
	// 0x1010: nop
	lift := func(marker uint32, succ bin.Addr) *ir.Func {
		img := provider.NewImage()
		code := sparcWords(0x40000400, 0x01000000, marker, 0x81C3E008, 0x01000000)
		require.NoError(t, img.Map(0x1000, code, provider.ReadableExecutable))
		decl := &spec.FunctionDecl{
			Address: 0x1000,
			Name:    "f",
			CFG: map[spec.Uid]spec.CodeBlock{
				0: {Addr: 0x1000, Size: 8, Uid: 0, OutgoingEdges: []spec.Uid{1}},
				1: {Addr: succ, Size: 0x1014 - uint64(succ), Uid: 1},
			},
		}
		el := NewEntityLifter(Options{Arch: sparc.New(), Memory: img})
		_, err := el.LiftFunction(decl)
		require.NoError(t, err)
		return findFunc(t, el.Module(), "f.bb_1000_0")
	}
	// adds4 reports whether f adds 4 to a value.
	adds4 := func(f *ir.Func) bool {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				if add, ok := inst.(*ir.InstAdd); ok {
					if c, ok := add.Y.(*constant.Int); ok && c.X.Int64() == 4 {
						return true
					}
				}
			}
		}
		return false
	}
	bb := lift(0x00000008, 0x100C)
	assert.True(t, adds4(bb), "return address corrected past marker")
	assert.Equal(t, int64(0x100C), switchOf(t, bb).Cases[0].X.(*constant.Int).X.Int64())

	bb = lift(0x01000000, 0x1008)
	assert.False(t, adds4(bb))
}

func TestDefaultOverride(t *testing.T) {
	golden := []struct {
		inst *arch.Inst
		want spec.ControlFlowOverride
	}{
		{inst: &arch.Inst{Addr: 0x10, Flow: arch.FlowNormal}, want: nil},
		{inst: &arch.Inst{Addr: 0x10, Flow: arch.FlowReturn}, want: &spec.Return{Address: 0x10}},
		{inst: &arch.Inst{Addr: 0x10, Flow: arch.FlowIndirectCall}, want: &spec.Call{Address: 0x10}},
		{inst: &arch.Inst{Addr: 0x10, Flow: arch.FlowDirectJump, BranchTakenPC: 0x20}, want: nil},
	}
	for _, g := range golden {
		assert.Equal(t, g.want, defaultOverride(g.inst), g.inst.Flow.String())
	}
	target := bin.Addr(0x20)
	got := defaultOverride(&arch.Inst{Addr: 0x10, Flow: arch.FlowDirectCall, BranchTakenPC: target})
	assert.Equal(t, &spec.Call{Address: 0x10, Target: &target}, got)
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{Addr: 0x1000, Bytes: []byte{0x0F}, Err: errors.New("truncated instruction")}
	assert.True(t, strings.Contains(err.Error(), "0x1000"))
	assert.Equal(t, "truncated instruction", errors.Cause(err).Error())
}
