package provider

import (
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
)

// TypeProvider provides the declared types of functions, variables and call
// sites.
type TypeProvider interface {
	// TryGetFunctionType returns the declaration of the function starting at
	// addr.
	TryGetFunctionType(addr bin.Addr) (*spec.FunctionDecl, bool)
	// TryGetVariableType returns the declaration of the global variable
	// starting at addr.
	TryGetVariableType(addr bin.Addr) (*spec.VariableDecl, bool)
	// TryGetCalledFunctionType returns the call-site specific prototype of the
	// call at callSite within the function starting at funcAddr.
	TryGetCalledFunctionType(funcAddr, callSite bin.Addr) (*spec.CallableDecl, bool)
}

// CalledFunctionType returns the prototype of the function called at callSite
// within the function starting at funcAddr. The call-site specific prototype
// takes precedence, falling back to the general type of the call target.
func CalledFunctionType(tp TypeProvider, funcAddr, callSite bin.Addr, target *bin.Addr) (*spec.CallableDecl, bool) {
	if decl, ok := tp.TryGetCalledFunctionType(funcAddr, callSite); ok {
		return decl, true
	}
	if target == nil {
		return nil, false
	}
	if f, ok := tp.TryGetFunctionType(*target); ok {
		return &f.CallableDecl, true
	}
	return nil, false
}

// NullTypeProvider is a type provider without any type information.
type NullTypeProvider struct{}

// TryGetFunctionType always fails.
func (NullTypeProvider) TryGetFunctionType(addr bin.Addr) (*spec.FunctionDecl, bool) {
	return nil, false
}

// TryGetVariableType always fails.
func (NullTypeProvider) TryGetVariableType(addr bin.Addr) (*spec.VariableDecl, bool) {
	return nil, false
}

// TryGetCalledFunctionType always fails.
func (NullTypeProvider) TryGetCalledFunctionType(funcAddr, callSite bin.Addr) (*spec.CallableDecl, bool) {
	return nil, false
}

// DefaultCallableTypeProvider is a type provider which assigns the same
// prototype to every call site, and knows of no functions or variables.
type DefaultCallableTypeProvider struct {
	// Prototype of every called function.
	Decl *spec.CallableDecl
}

// TryGetFunctionType always fails.
func (DefaultCallableTypeProvider) TryGetFunctionType(addr bin.Addr) (*spec.FunctionDecl, bool) {
	return nil, false
}

// TryGetVariableType always fails.
func (DefaultCallableTypeProvider) TryGetVariableType(addr bin.Addr) (*spec.VariableDecl, bool) {
	return nil, false
}

// TryGetCalledFunctionType returns the default prototype.
func (p DefaultCallableTypeProvider) TryGetCalledFunctionType(funcAddr, callSite bin.Addr) (*spec.CallableDecl, bool) {
	return p.Decl, p.Decl != nil
}

// SpecTypeProvider is a type provider backed by a specification.
type SpecTypeProvider struct {
	s *spec.Specification
}

// NewSpecTypeProvider returns a type provider backed by the given
// specification.
func NewSpecTypeProvider(s *spec.Specification) *SpecTypeProvider {
	return &SpecTypeProvider{s: s}
}

// TryGetFunctionType returns the declaration of the function starting at
// addr.
func (p *SpecTypeProvider) TryGetFunctionType(addr bin.Addr) (*spec.FunctionDecl, bool) {
	return p.s.FunctionAt(addr)
}

// TryGetVariableType returns the declaration of the global variable starting
// at addr.
func (p *SpecTypeProvider) TryGetVariableType(addr bin.Addr) (*spec.VariableDecl, bool) {
	return p.s.VariableAt(addr)
}

// TryGetCalledFunctionType returns the call-site specific prototype of the
// call at callSite within the function starting at funcAddr.
func (p *SpecTypeProvider) TryGetCalledFunctionType(funcAddr, callSite bin.Addr) (*spec.CallableDecl, bool) {
	cs, ok := p.s.CallSiteAt(funcAddr, callSite)
	if !ok {
		return nil, false
	}
	return &cs.CallableDecl, true
}
