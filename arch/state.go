package arch

import (
	"fmt"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Names of pseudo-registers present in the processor state of every
// architecture.
const (
	// Address of the current instruction.
	PC = "PC"
	// Address of the next instruction to execute.
	NextPC = "NEXT_PC"
	// Address execution resumes at after a call returns.
	ReturnPC = "RETURN_PC"
	// Conditional branch taken.
	BranchTaken = "BRANCH_TAKEN"
)

// StateLayout is the layout of the symbolic processor state of an
// architecture; a structure with one field per full register and
// pseudo-register.
type StateLayout struct {
	// Architecture.
	Arch Arch
	// Processor state type (%State).
	Type types.Type
	// Fields of the processor state.
	Fields []Register
	// Maps from full register name to field index.
	index map[string]int
	// Maps from register name (including sub-registers) to register.
	regs map[string]Register
}

// NewStateLayout returns the processor state layout of the given architecture,
// defining the state type in m.
func NewStateLayout(a Arch, m *ir.Module) *StateLayout {
	l := &StateLayout{
		Arch:  a,
		index: make(map[string]int),
		regs:  make(map[string]Register),
	}
	for _, reg := range a.Registers() {
		l.regs[reg.Name] = reg
		if reg.Parent == "" {
			l.index[reg.Name] = len(l.Fields)
			l.Fields = append(l.Fields, reg)
		}
	}
	for _, reg := range []Register{
		{Name: PC, Bits: a.AddressSize()},
		{Name: NextPC, Bits: a.AddressSize()},
		{Name: ReturnPC, Bits: a.AddressSize()},
		{Name: BranchTaken, Bits: 1},
	} {
		l.regs[reg.Name] = reg
		l.index[reg.Name] = len(l.Fields)
		l.Fields = append(l.Fields, reg)
	}
	var fields []types.Type
	for _, field := range l.Fields {
		fields = append(fields, IntType(field.Bits))
	}
	name := "State"
	for _, t := range m.TypeDefs {
		if t.Name() == name {
			l.Type = t
			return l
		}
	}
	l.Type = m.NewTypeDef(name, types.NewStruct(fields...))
	return l
}

// Register returns the register with the given name; register names are case
// insensitive.
func (l *StateLayout) Register(name string) (Register, bool) {
	reg, ok := l.regs[strings.ToUpper(name)]
	return reg, ok
}

// FieldPtr returns a pointer to the state field of the given full register.
func (l *StateLayout) FieldPtr(block *ir.Block, state value.Value, name string) value.Value {
	i, ok := l.index[name]
	if !ok {
		panic(fmt.Errorf("%s state has no field for register %q", l.Arch.Name(), name))
	}
	zero := constant.NewInt(types.I32, 0)
	idx := constant.NewInt(types.I32, int64(i))
	return block.NewGetElementPtr(l.Type, state, zero, idx)
}
