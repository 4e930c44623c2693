// Package xref resolves address-valued operands of lifted code to program
// entities.
package xref

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
)

var (
	// dbg is a logger which logs debug messages with "xref:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("xref:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// EntityKind specifies the kind of a program entity.
type EntityKind uint8

// Entity kinds.
const (
	// Function.
	KindFunction EntityKind = iota + 1
	// Global variable.
	KindVariable
	// Named address without declaration.
	KindSymbol
)

// Entity is a program entity at an address.
type Entity struct {
	// Kind of entity.
	Kind EntityKind
	// Start address of the entity.
	Addr bin.Addr
	// Entity name.
	Name string
	// Offset in bytes of the resolved address from the start of the entity.
	Offset uint64
	// Function declaration; non-nil if function.
	Func *spec.FunctionDecl
	// Variable declaration; non-nil if global variable.
	Var *spec.VariableDecl
}

// Resolver is an index from address to program entity over the function,
// variable and symbol tables of a specification. A resolver is safe for
// concurrent use.
type Resolver struct {
	// Specification.
	s *spec.Specification
	// Address size in number of bits.
	addrBits uint64
	// Maps from entity name to start address.
	names map[string]bin.Addr

	// Address-keyed cache of entity lookups.
	mu    sync.RWMutex
	cache map[bin.Addr]entityResult
}

// entityResult is a cached entity lookup.
type entityResult struct {
	entity Entity
	ok     bool
}

// NewResolver returns a new cross-reference resolver for the given
// specification, where addresses are addrBits wide.
func NewResolver(s *spec.Specification, addrBits uint64) *Resolver {
	r := &Resolver{
		s:        s,
		addrBits: addrBits,
		names:    make(map[string]bin.Addr),
		cache:    make(map[bin.Addr]entityResult),
	}
	s.ForEachSymbol(func(addr bin.Addr, name string) bool {
		r.names[name] = addr
		return true
	})
	s.ForEachVariable(func(v *spec.VariableDecl) bool {
		r.names[v.Name] = v.Address
		return true
	})
	s.ForEachFunction(func(f *spec.FunctionDecl) bool {
		r.names[f.Name] = f.Address
		return true
	})
	return r
}

// AddrBits returns the address size in number of bits.
func (r *Resolver) AddrBits() uint64 {
	return r.addrBits
}

// EntityAtAddress returns the program entity at addr; a function beginning at
// addr, a global variable containing addr, or a symbol at addr.
func (r *Resolver) EntityAtAddress(addr bin.Addr) (Entity, bool) {
	r.mu.RLock()
	res, ok := r.cache[addr]
	r.mu.RUnlock()
	if ok {
		return res.entity, res.ok
	}
	res.entity, res.ok = r.lookup(addr)
	r.mu.Lock()
	r.cache[addr] = res
	r.mu.Unlock()
	return res.entity, res.ok
}

// lookup returns the program entity at addr.
func (r *Resolver) lookup(addr bin.Addr) (Entity, bool) {
	if f, ok := r.s.FunctionAt(addr); ok {
		return Entity{Kind: KindFunction, Addr: addr, Name: f.Name, Func: f}, true
	}
	if v, ok := r.s.VariableContaining(addr, r.addrBits); ok {
		return Entity{Kind: KindVariable, Addr: v.Address, Name: v.Name, Offset: uint64(addr - v.Address), Var: v}, true
	}
	if name, ok := r.s.Symbols[addr]; ok {
		return Entity{Kind: KindSymbol, Addr: addr, Name: name}, true
	}
	return Entity{}, false
}

// AddressOfEntity returns the start address of the program entity with the
// given name.
func (r *Resolver) AddressOfEntity(name string) (bin.Addr, bool) {
	addr, ok := r.names[name]
	return addr, ok
}

// ClearCache clears the entity lookup cache of the resolver.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[bin.Addr]entityResult)
	r.mu.Unlock()
}
