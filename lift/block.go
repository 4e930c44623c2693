package lift

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
)

// Names of metadata attached to basic block functions.
const (
	// Address of the basic block.
	BasicBlockAddrMetadata = "lifter.bb.addr"
	// Unique identifier of the basic block.
	BasicBlockUidMetadata = "lifter.bb.uid"
)

// BasicBlockLifter lifts one basic block to a basic block function, callable
// as
//
//	ret @f.bb_<addr>_<uid>(iN %program_counter, i8* %memory, %f.frame* %frame)
//
// where ret is the return type of the enclosing function.
type BasicBlockLifter struct {
	// Function lifter owning the basic block lifter.
	fl *FunctionLifter
	// Basic block to lift.
	Block spec.CodeBlock
	// Per-block facts.
	ctx *spec.BlockContext
	// Basic block function.
	Func *ir.Func
	// Parameters of the basic block function.
	pc, memory, frame *ir.Param
	// Local boolean set by return instructions.
	shouldReturn value.Value
	// The basic block function has been lifted.
	lifted bool
}

// newBasicBlockLifter returns a new basic block lifter for the given basic
// block, declaring the basic block function.
func newBasicBlockLifter(fl *FunctionLifter, block spec.CodeBlock) *BasicBlockLifter {
	bl := &BasicBlockLifter{
		fl:    fl,
		Block: block,
		ctx:   fl.Decl.Context(block.Uid),
	}
	bl.pc = ir.NewParam("program_counter", arch.IntType(fl.el.opts.Arch.AddressSize()))
	bl.memory = ir.NewParam("memory", types.I8Ptr)
	bl.frame = ir.NewParam("frame", types.NewPointer(fl.frame.Type))
	name := fmt.Sprintf("%s.bb_%x_%d", fl.Decl.Name, uint64(block.Addr), block.Uid)
	f := fl.el.module.NewFunc(name, fl.Func.Sig.RetType, bl.pc, bl.memory, bl.frame)
	f.FuncAttrs = append(f.FuncAttrs, enum.FuncAttrNoInline)
	f.Metadata = append(f.Metadata,
		annotation(BasicBlockAddrMetadata, block.Addr.String()),
		annotation(BasicBlockUidMetadata, fmt.Sprintf("%d", block.Uid)),
	)
	bl.Func = f
	return bl
}

// Lift lifts the basic block into the body of the basic block function. A
// basic block is lifted at most once; subsequent calls are no-ops.
func (bl *BasicBlockLifter) Lift() error {
	if bl.lifted {
		return nil
	}
	bl.lifted = true
	dbg.Printf("lifting basic block %v (uid %d) of %q", bl.Block.Addr, bl.Block.Uid, bl.fl.Decl.Name)
	el := bl.fl.el
	entry := bl.Func.NewBlock("")
	e := &arch.Emitter{
		Layout: el.Layout,
		Intr:   el.Intr,
		Func:   bl.Func,
		Block:  entry,
	}
	state := entry.NewAlloca(el.Layout.Type)
	state.SetName("state")
	e.State = state
	mem := entry.NewAlloca(types.I8Ptr)
	mem.SetName("memory_ptr")
	e.MemorySlot = mem
	entry.NewStore(bl.memory, mem)
	shouldReturn := entry.NewAlloca(types.I1)
	shouldReturn.SetName("should_return")
	entry.NewStore(constant.False, shouldReturn)
	bl.shouldReturn = shouldReturn
	bl.prologue(e)

	body := e.NewBlock()
	e.Block.NewBr(body)
	e.Block = body
	terminal, err := bl.liftInsts(e)
	if err != nil {
		return errors.WithStack(err)
	}
	if terminal {
		return nil
	}
	return bl.terminate(e)
}

// prologue initializes the processor state on entry to the basic block.
func (bl *BasicBlockLifter) prologue(e *arch.Emitter) {
	opts := bl.fl.el.opts
	// Stack pointer and affine stack pointer equalities.
	e.WriteReg(opts.Arch.StackPointer(), opts.StackPointerInit(e, bl.Block.Addr))
	for _, off := range bl.ctx.StackOffsetsAtEntry {
		x := symbolicStackPointerInitWithOffset(e, off.Offset)
		storeValue(e, adaptToType(e, x, off.Target.Type), off.Target)
	}
	// Live values.
	bl.fl.frame.unpack(e, bl.frame, bl.ctx.LiveAtEntry)
	// Register constants.
	for _, c := range bl.ctx.ConstantsAtEntry {
		var x value.Value
		if c.TaintByPC {
			x = adaptToType(e, opts.ProgramCounterInit(e, bin.Addr(c.Value)), c.Target.Type)
		} else {
			bits := spec.TypeBits(c.Target.Type, e.AddrBits())
			x = fromBits(e, e.Const(bits, c.Value), c.Target.Type)
		}
		storeValue(e, x, c.Target)
	}
	// Program counter.
	e.WriteReg(arch.PC, opts.ProgramCounterInit(e, bl.Block.Addr))
}

// liftInsts decodes and lifts the instructions of the basic block, and
// reports whether the current IR basic block has been terminated.
func (bl *BasicBlockLifter) liftInsts(e *arch.Emitter) (bool, error) {
	a := bl.fl.el.opts.Arch
	ctx := a.InitialContext()
	for name, val := range bl.Block.ContextAssignments {
		ctx[name] = val
	}
	addr, end := bl.Block.Addr, bl.Block.End()
	for addr < end {
		inst, err := bl.decode(addr, false, ctx)
		if err != nil {
			return false, err
		}
		// Fallthrough address; overwritten by control flow instructions.
		e.SetNextPC(e.Addr(uint64(inst.BranchNotTakenPC)))
		e.Inst = inst
		a.LiftInst(e, inst)
		if e.Trapped {
			e.Block.NewUnreachable()
			return true, nil
		}
		next := inst.Next()
		if inst.HasDelaySlot {
			delayed, err := bl.decode(next, true, ctx)
			if err != nil {
				return false, err
			}
			if bl.liftDelayed(e, inst, delayed) {
				return true, nil
			}
			next = delayed.Next()
		}
		bl.applyTypeHints(e, inst.Addr)
		if !bl.applyOverride(e, inst) {
			dbg.Printf("terminal instruction at %v", inst.Addr)
			return true, nil
		}
		addr = next
	}
	return false, nil
}

// liftDelayed lifts the instruction in the delay slot of inst, and reports
// whether the current IR basic block has been terminated. The delay slot of an
// annulling conditional branch is only executed if the branch is taken; that
// of an annulling unconditional branch is never executed.
func (bl *BasicBlockLifter) liftDelayed(e *arch.Emitter, inst, delayed *arch.Inst) bool {
	a := bl.fl.el.opts.Arch
	defer func() { e.Inst = inst }()
	e.Inst = delayed
	if !inst.Annul {
		a.LiftInst(e, delayed)
		if e.Trapped {
			e.Block.NewUnreachable()
			return true
		}
		return false
	}
	if !inst.Conditional {
		return false
	}
	taken := e.ReadReg(arch.BranchTaken)
	do, cont := e.NewBlock(), e.NewBlock()
	e.Block.NewCondBr(taken, do, cont)
	e.Block = do
	a.LiftInst(e, delayed)
	if e.Trapped {
		e.Block.NewUnreachable()
		e.Trapped = false
	} else {
		e.Block.NewBr(cont)
	}
	e.Block = cont
	return false
}

// decode decodes the instruction at addr, from the executable bytes available
// at the address.
func (bl *BasicBlockLifter) decode(addr bin.Addr, delayed bool, ctx map[string]uint64) (*arch.Inst, error) {
	opts := bl.fl.el.opts
	src := instBytes(opts.Memory, addr, opts.Arch.MaxInstSize())
	var inst *arch.Inst
	var err error
	if len(src) == 0 {
		err = errors.New("no executable bytes available")
	} else if delayed {
		inst, err = opts.Arch.DecodeDelayed(addr, src, ctx)
	} else {
		inst, err = opts.Arch.Decode(addr, src, ctx)
	}
	if err != nil {
		return nil, errors.WithStack(&DecodeError{Addr: addr, Bytes: src, Err: err})
	}
	return inst, nil
}

// instBytes returns up to n bytes at addr, stopping at the first byte which is
// not available or known not to be executable.
func instBytes(mem provider.MemoryProvider, addr bin.Addr, n int) []byte {
	var src []byte
	for i := 0; i < n; i++ {
		b, avail, perm := mem.Query(addr + bin.Addr(i))
		if avail != provider.Available {
			break
		}
		if perm == provider.Readable || perm == provider.ReadableWritable {
			break
		}
		src = append(src, b)
	}
	return src
}

// applyTypeHints asserts the types of the values hinted at the given
// instruction address.
func (bl *BasicBlockLifter) applyTypeHints(e *arch.Emitter, addr bin.Addr) {
	for _, hint := range bl.fl.Decl.HintsAt(addr) {
		x := loadValue(e, hint.Hint)
		f := e.Intr.TypeHint(hint.Hint.Type)
		storeValue(e, e.Block.NewCall(f, x), hint.Hint)
	}
}

// ### [ Control flow overrides ] ##############################################

// defaultOverride returns the control flow override implied by the flow of the
// instruction, for instructions without explicit override.
func defaultOverride(inst *arch.Inst) spec.ControlFlowOverride {
	switch inst.Flow {
	case arch.FlowDirectCall:
		target := inst.BranchTakenPC
		return &spec.Call{Address: inst.Addr, Target: &target}
	case arch.FlowIndirectCall:
		return &spec.Call{Address: inst.Addr}
	case arch.FlowReturn:
		return &spec.Return{Address: inst.Addr}
	}
	return nil
}

// applyOverride applies the inter-procedural control flow override of the
// instruction, and reports whether lifting of the basic block continues.
//
// An override of a conditionally executed instruction is applied in a
// separate IR basic block entered when the branch is taken; decoding resumes
// in the continuation.
func (bl *BasicBlockLifter) applyOverride(e *arch.Emitter, inst *arch.Inst) bool {
	o := bl.fl.el.opts.ControlFlow.GetControlFlowOverride(inst.Addr)
	if o == nil {
		o = defaultOverride(inst)
	}
	switch o.(type) {
	case *spec.Call, *spec.Return:
		if !inst.Conditional {
			return bl.doInterProceduralControlFlow(e, inst, o)
		}
		taken := e.ReadReg(arch.BranchTaken)
		do, cont := e.NewBlock(), e.NewBlock()
		e.Block.NewCondBr(taken, do, cont)
		e.Block = do
		if bl.doInterProceduralControlFlow(e, inst, o) {
			e.Block.NewBr(cont)
		}
		e.Block = cont
		return true
	case *spec.Jump, nil:
		// Intra-procedural control flow is realized by the CFG.
		return true
	default:
		panic(fmt.Errorf("support for control flow override %T not yet implemented", o))
	}
}

// doInterProceduralControlFlow emits the call or return of the override, and
// reports whether execution continues after the instruction.
func (bl *BasicBlockLifter) doInterProceduralControlFlow(e *arch.Emitter, inst *arch.Inst, o spec.ControlFlowOverride) bool {
	switch o := o.(type) {
	case *spec.Call:
		call, noReturn := bl.emitCall(e, inst, o)
		if !o.IsTailCall && !noReturn {
			ret := bl.returnAddress(e, inst)
			e.SetNextPC(ret)
			e.WriteReg(arch.PC, ret)
			return true
		}
		call.FuncAttrs = append(call.FuncAttrs, enum.FuncAttrNoReturn)
		bl.emitError(e, inst.Addr)
		return false
	case *spec.Return:
		e.Block.NewStore(constant.True, bl.shouldReturn)
		return true
	}
	panic(fmt.Errorf("support for control flow override %T not yet implemented", o))
}

// emitCall emits the call of the override. Calls to callees of known type are
// emitted as typed calls, with arguments loaded from and return values stored
// to their declared locations; other calls are emitted through the function
// call intrinsic. The returned boolean reports whether the callee is known not
// to return.
func (bl *BasicBlockLifter) emitCall(e *arch.Emitter, inst *arch.Inst, c *spec.Call) (*ir.InstCall, bool) {
	el := bl.fl.el
	if c.Target != nil {
		callee, ok := provider.CalledFunctionType(el.opts.Types, bl.fl.Decl.Address, inst.Addr, c.Target)
		if ok {
			return bl.emitTypedCall(e, *c.Target, callee), callee.IsNoReturn
		}
	}
	var target value.Value
	if c.Target != nil {
		target = el.opts.ProgramCounterInit(e, *c.Target)
	} else {
		target = e.ReadReg(arch.NextPC)
	}
	call := e.Call(arch.FunctionCall, types.I8Ptr, e.State, target, e.Memory())
	e.SetMemory(call)
	return call, false
}

// emitTypedCall emits a direct call to the function at target with the given
// prototype.
func (bl *BasicBlockLifter) emitTypedCall(e *arch.Emitter, target bin.Addr, callee *spec.CallableDecl) *ir.InstCall {
	f := bl.fl.el.declareCallee(target, callee)
	var fv value.Value = f
	sig := callee.FuncType()
	if !f.Sig.Equal(sig) {
		fv = constant.NewBitCast(f, types.NewPointer(sig))
	}
	var args []value.Value
	for _, param := range callee.Params {
		args = append(args, loadValue(e, param.ValueDecl))
	}
	call := e.Block.NewCall(fv, args...)
	switch len(callee.Returns) {
	case 0:
	case 1:
		storeValue(e, call, callee.Returns[0])
	default:
		for i, ret := range callee.Returns {
			storeValue(e, e.Block.NewExtractValue(call, uint64(i)), ret)
		}
	}
	e.Arch().FinishCall(e)
	return call
}

// returnAddress returns the address at which execution resumes after the call
// instruction, as computed by the call semantics and corrected for structure
// return markers.
func (bl *BasicBlockLifter) returnAddress(e *arch.Emitter, inst *arch.Inst) value.Value {
	opts := bl.fl.el.opts
	ret := e.ReadReg(arch.ReturnPC)
	naive := inst.BranchNotTakenPC
	if ReturnAddress(opts.Arch, opts.Memory, naive) != naive {
		return e.Block.NewAdd(ret, e.Addr(4))
	}
	return ret
}

// emitError terminates the current IR basic block with a call to the error
// intrinsic.
func (bl *BasicBlockLifter) emitError(e *arch.Emitter, addr bin.Addr) {
	f := e.Intr.Func(arch.ErrorIntrinsic, types.Void, types.I8Ptr, e.AddrType())
	e.Block.NewCall(f, e.Memory(), e.Addr(uint64(addr)))
	e.Block.NewUnreachable()
}

// ### [ Successor stitching ] #################################################

// terminate packs the live values of the basic block and either returns from
// the function or tail calls the successor selected by NEXT_PC.
func (bl *BasicBlockLifter) terminate(e *arch.Emitter) error {
	bl.fl.frame.pack(e, bl.frame, bl.ctx.LiveAtExit)
	mem := e.Memory()
	retBlock, jumpBlock := e.NewBlock(), e.NewBlock()
	e.Block.NewCondBr(e.Block.NewLoad(types.I1, bl.shouldReturn), retBlock, jumpBlock)

	e.Block = retBlock
	bl.emitReturn(e)

	e.Block = jumpBlock
	next := e.ReadReg(arch.NextPC)
	invalid := ir.NewBlock("invalid_successor")
	var cases []*ir.Case
	seen := make(map[bin.Addr]bool)
	for _, uid := range bl.Block.OutgoingEdges {
		succ, err := bl.fl.GetOrCreateBasicBlockLifter(uid)
		if err != nil {
			return errors.WithStack(err)
		}
		if seen[succ.Block.Addr] {
			warn.Printf("basic block %v (uid %d) has multiple successors at address %v; ignoring uid %d", bl.Block.Addr, bl.Block.Uid, succ.Block.Addr, uid)
			continue
		}
		seen[succ.Block.Addr] = true
		callBlock := e.NewBlock()
		call := callBlock.NewCall(succ.Func, next, mem, bl.frame)
		call.Tail = enum.TailTail
		if bl.Func.Sig.RetType.Equal(types.Void) {
			callBlock.NewRet(nil)
		} else {
			callBlock.NewRet(call)
		}
		cases = append(cases, ir.NewCase(e.Addr(uint64(succ.Block.Addr)), callBlock))
	}
	e.Block.NewSwitch(next, invalid, cases...)

	// Reaching invalid_successor is a CFG recovery error.
	invalid.Parent = bl.Func
	bl.Func.Blocks = append(bl.Func.Blocks, invalid)
	e.Block = invalid
	bl.emitError(e, bl.Block.Addr)
	return nil
}

// emitReturn returns the return value of the function, loaded from its
// declared locations.
func (bl *BasicBlockLifter) emitReturn(e *arch.Emitter) {
	returns := bl.fl.Decl.Returns
	switch len(returns) {
	case 0:
		e.Block.NewRet(nil)
	case 1:
		e.Block.NewRet(loadValue(e, returns[0]))
	default:
		var agg value.Value = constant.NewUndef(bl.Func.Sig.RetType)
		for i, ret := range returns {
			agg = e.Block.NewInsertValue(agg, loadValue(e, ret), uint64(i))
		}
		e.Block.NewRet(agg)
	}
}

// annotation returns a metadata attachment of the given name holding the
// string s.
func annotation(name, s string) *metadata.Attachment {
	node := &metadata.Tuple{
		MetadataID: -1,
		Fields:     []metadata.Field{&metadata.String{Value: s}},
	}
	return &metadata.Attachment{Name: name, Node: node}
}
