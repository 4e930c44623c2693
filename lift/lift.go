// Package lift lifts the basic blocks and functions of a specification to
// LLVM IR.
//
// Each basic block is lifted to an independently callable function which
// unpacks the live values of the block from the frame of the lifted function
// on entry, and packs them back on exit before tail calling the successor
// selected by the program counter.
package lift

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/provider"
)

var (
	// dbg is a logger which logs debug messages with "lift:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("lift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// Options specifies the architecture and providers used for lifting.
type Options struct {
	// Architecture of the machine code.
	Arch arch.Arch
	// Memory contents of the program; NullMemoryProvider if nil.
	Memory provider.MemoryProvider
	// Type information; NullTypeProvider if nil.
	Types provider.TypeProvider
	// Control flow overrides; NullControlFlowProvider if nil.
	ControlFlow provider.ControlFlowProvider
	// ProgramCounterInit returns the symbolic value of the program counter at
	// addr; a constant tainted by the program counter marker if nil.
	ProgramCounterInit func(e *arch.Emitter, addr bin.Addr) value.Value
	// StackPointerInit returns the symbolic value of the stack pointer on entry
	// to the basic block at addr; the address of the stack pointer marker if
	// nil.
	StackPointerInit func(e *arch.Emitter, addr bin.Addr) value.Value
}

// withDefaults returns a copy of the options with nil providers and
// procedures replaced by their defaults.
func (opts Options) withDefaults() Options {
	if opts.Memory == nil {
		opts.Memory = provider.NullMemoryProvider{}
	}
	if opts.Types == nil {
		opts.Types = provider.NullTypeProvider{}
	}
	if opts.ControlFlow == nil {
		opts.ControlFlow = provider.NullControlFlowProvider{}
	}
	if opts.ProgramCounterInit == nil {
		opts.ProgramCounterInit = SymbolicProgramCounterInit
	}
	if opts.StackPointerInit == nil {
		opts.StackPointerInit = SymbolicStackPointerInit
	}
	return opts
}

// SymbolicProgramCounterInit returns the address addr tainted by the program
// counter marker.
func SymbolicProgramCounterInit(e *arch.Emitter, addr bin.Addr) value.Value {
	return e.PCRel(uint64(addr))
}

// SymbolicStackPointerInit returns the address of the stack pointer marker.
func SymbolicStackPointerInit(e *arch.Emitter, addr bin.Addr) value.Value {
	return constant.NewPtrToInt(e.Intr.Marker(arch.SPMarker), e.AddrType())
}

// symbolicStackPointerInitWithOffset returns the address of the stack pointer
// marker displaced by offset bytes.
func symbolicStackPointerInitWithOffset(e *arch.Emitter, offset int64) value.Value {
	sp := constant.NewPtrToInt(e.Intr.Marker(arch.SPMarker), e.AddrType())
	if offset == 0 {
		return sp
	}
	return constant.NewAdd(sp, e.Addr(uint64(offset)))
}

// DecodeError is returned when the instruction bytes at an address of a basic
// block cannot be decoded. Decode errors abort lifting of the enclosing
// function.
type DecodeError struct {
	// Address of the instruction.
	Addr bin.Addr
	// Instruction bytes available at the address.
	Bytes []byte
	// Underlying decoder error.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode instruction at %v (bytes % X); %v", e.Addr, e.Bytes, e.Err)
}

// Cause returns the underlying decoder error.
func (e *DecodeError) Cause() error {
	return e.Err
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReturnAddress returns the address at which execution resumes after a call
// whose naive return address is naive.
//
// Calls to functions returning structures by value on architectures with the
// structure return size marker convention are followed by a marker
// instruction, which is skipped on return. Bytes that are not available or
// not executable leave the naive return address unchanged.
func ReturnAddress(a arch.Arch, mem provider.MemoryProvider, naive bin.Addr) bin.Addr {
	word := make([]byte, 4)
	for i := range word {
		addr := naive + bin.Addr(i)
		b, avail, perm := mem.Query(addr)
		if avail != provider.Available {
			return naive
		}
		switch perm {
		case provider.Readable, provider.ReadableWritable:
			warn.Printf("byte at %v following call is not executable", addr)
			return naive
		}
		word[i] = b
	}
	if !a.IsStructReturnMarker(word) {
		return naive
	}
	dbg.Printf("structure return marker at %v", naive)
	return naive + 4
}
