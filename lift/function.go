package lift

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
)

// FunctionLifter lifts the basic blocks of one function, and stitches them
// into the lifted function.
type FunctionLifter struct {
	// Entity lifter owning the function lifter.
	el *EntityLifter
	// Function declaration.
	Decl *spec.FunctionDecl
	// Lifted function.
	Func *ir.Func
	// Frame layout of the register-backed in-scope variables.
	frame *frame
	// Maps from basic block uid to basic block lifter.
	blocks map[spec.Uid]*BasicBlockLifter
	// Basic block lifters in order of creation.
	order []*BasicBlockLifter
}

// newFunctionLifter returns a new function lifter for the given function
// declaration.
func newFunctionLifter(el *EntityLifter, decl *spec.FunctionDecl) (*FunctionLifter, error) {
	if err := decl.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := checkRegs(el.Layout, decl); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := checkLive(decl); err != nil {
		return nil, errors.WithStack(err)
	}
	f := el.declareFunc(decl.Address, decl.Name, &decl.CallableDecl)
	if len(f.Blocks) > 0 {
		return nil, errors.Errorf("function %q at %v already lifted", decl.Name, decl.Address)
	}
	if !f.Sig.Equal(decl.FuncType()) {
		return nil, errors.Errorf("function %q at %v previously declared with type %v", decl.Name, decl.Address, f.Sig)
	}
	fl := &FunctionLifter{
		el:     el,
		Decl:   decl,
		Func:   f,
		blocks: make(map[spec.Uid]*BasicBlockLifter),
	}
	fl.frame = newFrame(decl.Name+".frame", decl.InScopeVars, func(name string, t types.Type) types.Type {
		return el.module.NewTypeDef(name, t)
	})
	return fl, nil
}

// GetOrCreateBasicBlockLifter returns the basic block lifter of the basic
// block with the given uid, creating it on first reference.
func (fl *FunctionLifter) GetOrCreateBasicBlockLifter(uid spec.Uid) (*BasicBlockLifter, error) {
	if bl, ok := fl.blocks[uid]; ok {
		return bl, nil
	}
	block, err := fl.Decl.Block(uid)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bl := newBasicBlockLifter(fl, block)
	fl.blocks[uid] = bl
	fl.order = append(fl.order, bl)
	return bl, nil
}

// Lift lifts every basic block of the function and the body of the lifted
// function.
func (fl *FunctionLifter) Lift() error {
	for _, uid := range fl.Decl.Uids() {
		bl, err := fl.GetOrCreateBasicBlockLifter(uid)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := bl.Lift(); err != nil {
			return errors.WithStack(err)
		}
	}
	return fl.liftEntry()
}

// liftEntry lifts the body of the lifted function; it allocates the frame,
// stores the arguments to their declared locations and tail calls the entry
// basic block function.
func (fl *FunctionLifter) liftEntry() error {
	el := fl.el
	a := el.opts.Arch
	entry := fl.Func.NewBlock("")
	e := &arch.Emitter{
		Layout: el.Layout,
		Intr:   el.Intr,
		Func:   fl.Func,
		Block:  entry,
	}
	fr := entry.NewAlloca(fl.frame.Type)
	fr.SetName("frame")
	state := entry.NewAlloca(el.Layout.Type)
	state.SetName("state")
	e.State = state
	mem := entry.NewAlloca(types.I8Ptr)
	mem.SetName("memory_ptr")
	e.MemorySlot = mem
	entry.NewStore(constant.NewNull(types.I8Ptr), mem)

	e.WriteReg(a.StackPointer(), el.opts.StackPointerInit(e, fl.Decl.Address))
	ra := constant.NewPtrToInt(el.Intr.Marker(arch.RAMarker), e.AddrType())
	a.InitReturnAddress(e, ra)
	for i, param := range fl.Decl.Params {
		storeValue(e, fl.Func.Params[i], param.ValueDecl)
	}

	bl, err := fl.GetOrCreateBasicBlockLifter(fl.Decl.EntryUid)
	if err != nil {
		return errors.WithStack(err)
	}
	fl.frame.pack(e, fr, bl.ctx.LiveAtEntry)
	pc := el.opts.ProgramCounterInit(e, bl.Block.Addr)
	call := entry.NewCall(bl.Func, pc, e.Memory(), fr)
	call.Tail = enum.TailTail
	if fl.Func.Sig.RetType.Equal(types.Void) {
		entry.NewRet(nil)
	} else {
		entry.NewRet(call)
	}
	return nil
}

// discard removes the bodies of the functions created by the function lifter,
// leaving declarations.
func (fl *FunctionLifter) discard() {
	fl.Func.Blocks = nil
	for _, bl := range fl.order {
		bl.Func.Blocks = nil
	}
}

// checkRegs checks that every register referenced by the locations of the
// declared values of the function is known to the architecture.
func checkRegs(layout *arch.StateLayout, decl *spec.FunctionDecl) error {
	check := func(v spec.ValueDecl) error {
		for _, loc := range v.Locs {
			for _, name := range []string{loc.Reg, loc.MemReg} {
				if name == "" {
					continue
				}
				if _, ok := layout.Register(name); !ok {
					return spec.Errorf(uint64(decl.Address), "unknown %s register %q", layout.Arch.Name(), name)
				}
			}
		}
		return nil
	}
	var vs []spec.ValueDecl
	for _, param := range decl.Params {
		vs = append(vs, param.ValueDecl)
	}
	vs = append(vs, decl.Returns...)
	for _, v := range decl.InScopeVars {
		vs = append(vs, v.ValueDecl)
	}
	for _, hint := range decl.TypeHints {
		vs = append(vs, hint.Hint)
	}
	for _, ctx := range decl.Contexts {
		if ctx == nil {
			continue
		}
		for _, off := range ctx.StackOffsetsAtEntry {
			vs = append(vs, off.Target)
		}
		for _, c := range ctx.ConstantsAtEntry {
			vs = append(vs, c.Target)
		}
	}
	for _, v := range vs {
		if err := check(v); err != nil {
			return err
		}
	}
	return nil
}

// checkLive checks that the live values of each basic block are in-scope
// variables of the function.
func checkLive(decl *spec.FunctionDecl) error {
	inScope := make(map[string]bool)
	for _, v := range decl.InScopeVars {
		if inScope[v.Name] {
			return spec.Errorf(uint64(decl.Address), "duplicate in-scope variable %q", v.Name)
		}
		inScope[v.Name] = true
	}
	for _, uid := range decl.Uids() {
		ctx := decl.Context(uid)
		for _, vars := range [][]spec.ParameterDecl{ctx.LiveAtEntry, ctx.LiveAtExit} {
			for _, v := range vars {
				if !inScope[v.Name] {
					return spec.Errorf(uint64(decl.Address), "live value %q of basic block %d is not an in-scope variable", v.Name, uid)
				}
				if err := v.CheckLocs(decl.Address, v.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ### [ Entity lifter ] #######################################################

// EntityLifter lifts functions into one LLVM IR module. An entity lifter is
// not safe for concurrent use; distinct entity lifters may lift concurrently
// with shared providers.
type EntityLifter struct {
	// Lifting options.
	opts Options
	// LLVM IR module of lifted functions.
	module *ir.Module
	// Processor state layout.
	Layout *arch.StateLayout
	// Intrinsics of the module.
	Intr *arch.Intrinsics
	// Maps from entry address to lifted or declared function.
	funcs map[bin.Addr]*ir.Func
}

// NewEntityLifter returns a new entity lifter with the given options, lifting
// into a new LLVM IR module.
func NewEntityLifter(opts Options) *EntityLifter {
	if opts.Arch == nil {
		panic(errors.New("lifting options without architecture"))
	}
	m := ir.NewModule()
	return &EntityLifter{
		opts:   opts.withDefaults(),
		module: m,
		Layout: arch.NewStateLayout(opts.Arch, m),
		Intr:   arch.NewIntrinsics(m),
		funcs:  make(map[bin.Addr]*ir.Func),
	}
}

// Module returns the LLVM IR module of lifted functions.
func (el *EntityLifter) Module() *ir.Module {
	return el.module
}

// LiftFunction lifts the given function. A function whose lifting fails is
// left as a declaration in the module.
func (el *EntityLifter) LiftFunction(decl *spec.FunctionDecl) (*ir.Func, error) {
	fl, err := el.NewFunctionLifter(decl)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := fl.Lift(); err != nil {
		fl.discard()
		return nil, errors.WithStack(err)
	}
	return fl.Func, nil
}

// NewFunctionLifter returns a new function lifter for the given function
// declaration, declaring the lifted function.
func (el *EntityLifter) NewFunctionLifter(decl *spec.FunctionDecl) (*FunctionLifter, error) {
	return newFunctionLifter(el, decl)
}

// declareFunc returns the function at addr, declaring it with the given name
// and prototype if not yet present.
func (el *EntityLifter) declareFunc(addr bin.Addr, name string, callable *spec.CallableDecl) *ir.Func {
	if f, ok := el.funcs[addr]; ok {
		return f
	}
	var params []*ir.Param
	for _, param := range callable.Params {
		params = append(params, ir.NewParam(param.Name, param.Type))
	}
	f := el.module.NewFunc(name, callable.ReturnType(), params...)
	f.Sig.Variadic = callable.IsVariadic
	if callable.IsNoReturn {
		f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoReturn)
	}
	el.funcs[addr] = f
	return f
}

// declareCallee returns the function at addr called with the given prototype.
// The function is declared with its own type if known, and with the prototype
// of the call otherwise.
func (el *EntityLifter) declareCallee(addr bin.Addr, callable *spec.CallableDecl) *ir.Func {
	if decl, ok := el.opts.Types.TryGetFunctionType(addr); ok {
		name := decl.Name
		if name == "" {
			name = spec.FuncName(addr)
		}
		return el.declareFunc(addr, name, &decl.CallableDecl)
	}
	return el.declareFunc(addr, spec.FuncName(addr), callable)
}
