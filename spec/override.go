package spec

import "github.com/mewmew/xlift/bin"

// ControlFlowOverride is a recovered control-flow fact attached to an
// instruction address. The concrete type is one of Call, Return or Jump; a
// nil ControlFlowOverride denotes the absence of an override, in which case the
// control flow implied by the instruction semantics applies.
type ControlFlowOverride interface {
	// OverrideAddr returns the address of the instruction the override applies
	// to.
	OverrideAddr() bin.Addr
	// isControlFlowOverride ensures that only control flow overrides of the
	// spec package may be assigned to the ControlFlowOverride interface.
	isControlFlowOverride()
}

// Call is a function call override.
type Call struct {
	// Address of the call instruction.
	Address bin.Addr
	// Known call target; nil for indirect calls.
	Target *bin.Addr
	// The call is a tail call; execution does not resume in the caller.
	IsTailCall bool
}

// Return is a function return override.
type Return struct {
	// Address of the return instruction.
	Address bin.Addr
}

// JumpTarget is a target of an indirect jump.
type JumpTarget struct {
	// Target address.
	Address bin.Addr
	// Context register assignments at the target.
	ContextAssignments map[string]uint64
}

// Jump is an intra-procedural (possibly multi-target) jump override.
type Jump struct {
	// Address of the jump instruction.
	Address bin.Addr
	// Jump targets.
	Targets []JumpTarget
}

// OverrideAddr returns the address of the call instruction.
func (c *Call) OverrideAddr() bin.Addr { return c.Address }

// OverrideAddr returns the address of the return instruction.
func (r *Return) OverrideAddr() bin.Addr { return r.Address }

// OverrideAddr returns the address of the jump instruction.
func (j *Jump) OverrideAddr() bin.Addr { return j.Address }

func (*Call) isControlFlowOverride()   {}
func (*Return) isControlFlowOverride() {}
func (*Jump) isControlFlowOverride()   {}
