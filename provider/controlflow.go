package provider

import (
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
)

// ControlFlowProvider provides the recovered control flow overrides of
// instructions.
type ControlFlowProvider interface {
	// GetControlFlowOverride returns the control flow override of the
	// instruction at addr, or nil if the control flow implied by the
	// instruction semantics applies.
	GetControlFlowOverride(addr bin.Addr) spec.ControlFlowOverride
}

// NullControlFlowProvider is a control flow provider without any overrides.
type NullControlFlowProvider struct{}

// GetControlFlowOverride always returns nil.
func (NullControlFlowProvider) GetControlFlowOverride(addr bin.Addr) spec.ControlFlowOverride {
	return nil
}

// SpecControlFlowProvider is a control flow provider backed by a
// specification.
type SpecControlFlowProvider struct {
	s *spec.Specification
}

// NewSpecControlFlowProvider returns a control flow provider backed by the
// given specification.
func NewSpecControlFlowProvider(s *spec.Specification) *SpecControlFlowProvider {
	return &SpecControlFlowProvider{s: s}
}

// GetControlFlowOverride returns the control flow override of the instruction
// at addr.
func (p *SpecControlFlowProvider) GetControlFlowOverride(addr bin.Addr) spec.ControlFlowOverride {
	return p.s.OverrideAt(addr)
}
