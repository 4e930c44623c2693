package spec

import (
	"fmt"
	"sort"

	"github.com/mewmew/xlift/bin"
)

// MemoryRange is a range of initialized memory of the program.
type MemoryRange struct {
	// Start address.
	Address bin.Addr
	// Contents.
	Data []byte
	// Access permissions.
	Readable, Writable, Executable bool
}

// Specification is a (sub-)program specification; the function, variable,
// call site and control flow tables of a binary.
type Specification struct {
	// Architecture name.
	Arch string
	// Functions sorted by address.
	Funcs []*FunctionDecl
	// Global variables sorted by address.
	Vars []*VariableDecl
	// Call-site specific prototypes.
	CallSites []*CallSiteDecl
	// Symbols; maps from address to name.
	Symbols map[bin.Addr]string
	// Memory ranges of the program.
	MemoryRanges []MemoryRange

	// Maps from address to function.
	funcs map[bin.Addr]*FunctionDecl
	// Maps from address to global variable.
	vars map[bin.Addr]*VariableDecl
	// Maps from (function address, call site address) to call site.
	callSites map[[2]bin.Addr]*CallSiteDecl
	// Maps from instruction address to control flow override.
	overrides map[bin.Addr]ControlFlowOverride
}

// New returns a new empty specification for the given architecture.
func New(arch string) *Specification {
	return &Specification{
		Arch:      arch,
		Symbols:   make(map[bin.Addr]string),
		funcs:     make(map[bin.Addr]*FunctionDecl),
		vars:      make(map[bin.Addr]*VariableDecl),
		callSites: make(map[[2]bin.Addr]*CallSiteDecl),
		overrides: make(map[bin.Addr]ControlFlowOverride),
	}
}

// AddFunction adds the given function to the specification.
func (s *Specification) AddFunction(f *FunctionDecl) error {
	if _, ok := s.funcs[f.Address]; ok {
		return Errorf(uint64(f.Address), "duplicate function declaration")
	}
	if f.Name == "" {
		f.Name = FuncName(f.Address)
	}
	s.funcs[f.Address] = f
	s.Funcs = append(s.Funcs, f)
	sort.Slice(s.Funcs, func(i, j int) bool { return s.Funcs[i].Address < s.Funcs[j].Address })
	return nil
}

// AddVariable adds the given global variable to the specification.
func (s *Specification) AddVariable(v *VariableDecl) error {
	if _, ok := s.vars[v.Address]; ok {
		return Errorf(uint64(v.Address), "duplicate variable declaration")
	}
	if v.Name == "" {
		v.Name = VarName(v.Address)
	}
	s.vars[v.Address] = v
	s.Vars = append(s.Vars, v)
	sort.Slice(s.Vars, func(i, j int) bool { return s.Vars[i].Address < s.Vars[j].Address })
	return nil
}

// AddCallSite adds the given call-site specific prototype to the
// specification.
func (s *Specification) AddCallSite(cs *CallSiteDecl) error {
	key := [2]bin.Addr{cs.FuncAddr, cs.CallSite}
	if _, ok := s.callSites[key]; ok {
		return Errorf(uint64(cs.CallSite), "duplicate call site declaration in function %v", cs.FuncAddr)
	}
	s.callSites[key] = cs
	s.CallSites = append(s.CallSites, cs)
	return nil
}

// AddOverride adds the given control flow override to the specification. At
// most one override may apply to an instruction address.
func (s *Specification) AddOverride(o ControlFlowOverride) error {
	addr := o.OverrideAddr()
	if prev, ok := s.overrides[addr]; ok {
		return Errorf(uint64(addr), "conflicting control flow overrides %T and %T", prev, o)
	}
	s.overrides[addr] = o
	return nil
}

// FunctionAt returns the function beginning at addr.
func (s *Specification) FunctionAt(addr bin.Addr) (*FunctionDecl, bool) {
	f, ok := s.funcs[addr]
	return f, ok
}

// VariableAt returns the global variable beginning at addr.
func (s *Specification) VariableAt(addr bin.Addr) (*VariableDecl, bool) {
	v, ok := s.vars[addr]
	return v, ok
}

// VariableContaining returns the global variable containing addr, where
// pointers are addrBits wide.
func (s *Specification) VariableContaining(addr bin.Addr, addrBits uint64) (*VariableDecl, bool) {
	i := sort.Search(len(s.Vars), func(i int) bool { return s.Vars[i].Address > addr })
	if i == 0 {
		return nil, false
	}
	v := s.Vars[i-1]
	if !v.Contains(addr, addrBits) {
		return nil, false
	}
	return v, true
}

// CallSiteAt returns the call-site specific prototype of the call at callSite
// within the function at funcAddr.
func (s *Specification) CallSiteAt(funcAddr, callSite bin.Addr) (*CallSiteDecl, bool) {
	cs, ok := s.callSites[[2]bin.Addr{funcAddr, callSite}]
	return cs, ok
}

// OverrideAt returns the control flow override of the instruction at addr, or
// nil if not present.
func (s *Specification) OverrideAt(addr bin.Addr) ControlFlowOverride {
	return s.overrides[addr]
}

// ForEachFunction calls f on each function in address order, until f returns
// false.
func (s *Specification) ForEachFunction(f func(*FunctionDecl) bool) {
	for _, fn := range s.Funcs {
		if !f(fn) {
			return
		}
	}
}

// ForEachVariable calls f on each global variable in address order, until f
// returns false.
func (s *Specification) ForEachVariable(f func(*VariableDecl) bool) {
	for _, v := range s.Vars {
		if !f(v) {
			return
		}
	}
}

// ForEachSymbol calls f on each symbol in address order, until f returns
// false.
func (s *Specification) ForEachSymbol(f func(addr bin.Addr, name string) bool) {
	var addrs bin.Addrs
	for addr := range s.Symbols {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	for _, addr := range addrs {
		if !f(addr, s.Symbols[addr]) {
			return
		}
	}
}

// ForEachCall calls f on each call override in address order, until f returns
// false.
func (s *Specification) ForEachCall(f func(*Call) bool) {
	for _, o := range s.sortedOverrides() {
		if c, ok := o.(*Call); ok && !f(c) {
			return
		}
	}
}

// ForEachReturn calls f on each return override in address order, until f
// returns false.
func (s *Specification) ForEachReturn(f func(*Return) bool) {
	for _, o := range s.sortedOverrides() {
		if r, ok := o.(*Return); ok && !f(r) {
			return
		}
	}
}

// ForEachJump calls f on each jump override in address order, until f returns
// false.
func (s *Specification) ForEachJump(f func(*Jump) bool) {
	for _, o := range s.sortedOverrides() {
		if j, ok := o.(*Jump); ok && !f(j) {
			return
		}
	}
}

// sortedOverrides returns the control flow overrides in address order.
func (s *Specification) sortedOverrides() []ControlFlowOverride {
	var addrs bin.Addrs
	for addr := range s.overrides {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	os := make([]ControlFlowOverride, 0, len(addrs))
	for _, addr := range addrs {
		os = append(os, s.overrides[addr])
	}
	return os
}

// Validate checks the internal consistency of every function of the
// specification.
func (s *Specification) Validate() error {
	for _, f := range s.Funcs {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FuncName returns the synthesized name of the function at addr.
func FuncName(addr bin.Addr) string {
	return fmt.Sprintf("sub_%x", uint64(addr))
}

// VarName returns the synthesized name of the global variable at addr.
func VarName(addr bin.Addr) string {
	return fmt.Sprintf("data_%x", uint64(addr))
}
