// Package arch defines the architecture abstraction of the lifter; instruction
// decoding, register files and the emission of instruction semantics against a
// symbolic processor state.
package arch

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/bin"
	"github.com/pkg/errors"
)

// Arch is a target architecture.
type Arch interface {
	// Name returns the name of the architecture.
	Name() string
	// AddressSize returns the size of addresses in number of bits.
	AddressSize() uint64
	// MaxInstSize returns the maximum size of an instruction in bytes.
	MaxInstSize() int
	// ByteOrder returns the byte order of memory accesses.
	ByteOrder() binary.ByteOrder
	// Registers returns the registers of the architecture; full registers
	// followed by their sub-registers.
	Registers() []Register
	// StackPointer returns the name of the stack pointer register.
	StackPointer() string
	// InitialContext returns the initial context register assignments used for
	// decoding.
	InitialContext() map[string]uint64
	// Decode decodes the leading bytes of src as a single instruction at addr.
	Decode(addr bin.Addr, src []byte, ctx map[string]uint64) (*Inst, error)
	// DecodeDelayed decodes the leading bytes of src as a single instruction at
	// addr, located in the delay slot of another instruction.
	DecodeDelayed(addr bin.Addr, src []byte, ctx map[string]uint64) (*Inst, error)
	// LiftInst emits the semantics of the given instruction. Lifting never
	// fails; unsupported instructions lower to the invalid instruction
	// semantic.
	LiftInst(e *Emitter, inst *Inst)
	// FinishCall adjusts the processor state after a call emitted as a typed
	// function call, as the return of the callee would.
	FinishCall(e *Emitter)
	// InitReturnAddress stores the return address of the current function to
	// its architecture specific location on function entry.
	InitReturnAddress(e *Emitter, ra value.Value)
	// IsStructReturnMarker reports whether the given instruction word is a
	// structure return size marker, placed after calls to functions returning
	// structures by value.
	IsStructReturnMarker(word []byte) bool
}

// Register is a register of an architecture.
type Register struct {
	// Register name (upper case).
	Name string
	// Size in number of bits.
	Bits uint64
	// Name of the enclosing full register; empty for full registers.
	Parent string
	// Bit offset of the sub-register within the enclosing register.
	Shift uint64
}

// Flow is the control flow category of an instruction.
type Flow uint8

// Control flow categories.
const (
	// Falls through to the next instruction.
	FlowNormal Flow = iota
	// Unconditional direct jump.
	FlowDirectJump
	// Unconditional indirect jump.
	FlowIndirectJump
	// Conditional direct jump.
	FlowCondJump
	// Direct function call.
	FlowDirectCall
	// Indirect function call.
	FlowIndirectCall
	// Function return.
	FlowReturn
	// Invalid or unsupported instruction.
	FlowInvalid
)

// String returns the string representation of the control flow category.
func (flow Flow) String() string {
	switch flow {
	case FlowNormal:
		return "normal"
	case FlowDirectJump:
		return "direct jump"
	case FlowIndirectJump:
		return "indirect jump"
	case FlowCondJump:
		return "conditional jump"
	case FlowDirectCall:
		return "direct call"
	case FlowIndirectCall:
		return "indirect call"
	case FlowReturn:
		return "return"
	case FlowInvalid:
		return "invalid"
	}
	return fmt.Sprintf("Flow(%d)", uint8(flow))
}

// IsCall reports whether the control flow category is a function call.
func (flow Flow) IsCall() bool {
	return flow == FlowDirectCall || flow == FlowIndirectCall
}

// Inst is a decoded instruction.
type Inst struct {
	// Address of the instruction.
	Addr bin.Addr
	// Instruction bytes.
	Bytes []byte
	// Control flow category.
	Flow Flow
	// Target of direct branches and calls.
	BranchTakenPC bin.Addr
	// Address of the instruction executed after a branch not taken or after
	// the return of a call; skips the delay slot if present.
	BranchNotTakenPC bin.Addr
	// Instruction has a delay slot.
	HasDelaySlot bool
	// The delay slot is annulled; for conditional branches the delay slot is
	// executed only if the branch is taken, otherwise it is never executed.
	Annul bool
	// Instruction is conditionally executed (predicated branch).
	Conditional bool
	// Assembly text.
	Text string
	// Architecture specific decoded instruction.
	Raw interface{}
}

// Len returns the size of the instruction in bytes.
func (inst *Inst) Len() int {
	return len(inst.Bytes)
}

// Next returns the address of the instruction that follows in memory.
func (inst *Inst) Next() bin.Addr {
	return inst.Addr + bin.Addr(len(inst.Bytes))
}

// String returns the string representation of the instruction.
func (inst *Inst) String() string {
	return fmt.Sprintf("%v: %s", inst.Addr, inst.Text)
}

// Mode returns the value of the given context register, or def if not
// assigned.
func Mode(ctx map[string]uint64, name string, def uint64) uint64 {
	if x, ok := ctx[name]; ok {
		return x
	}
	return def
}

// ### [ Registry ] ############################################################

var (
	// mu protects arches.
	mu sync.Mutex
	// Maps from architecture name to constructor.
	arches = make(map[string]func() Arch)
)

// RegisterArch makes the given architecture available by name.
func RegisterArch(name string, fn func() Arch) {
	mu.Lock()
	defer mu.Unlock()
	name = strings.ToLower(name)
	if _, ok := arches[name]; ok {
		panic(fmt.Errorf("architecture %q already registered", name))
	}
	arches[name] = fn
}

// Lookup returns the architecture with the given name.
func Lookup(name string) (Arch, error) {
	mu.Lock()
	defer mu.Unlock()
	fn, ok := arches[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown architecture %q (registered: %s)", name, strings.Join(names(), ", "))
	}
	return fn(), nil
}

// names returns the sorted names of registered architectures.
func names() []string {
	var ns []string
	for name := range arches {
		ns = append(ns, name)
	}
	sort.Strings(ns)
	return ns
}
