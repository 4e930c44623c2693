package main

import (
	"os"
	"sync"

	"github.com/kr/pretty"
	"github.com/mewmew/xlift/arch"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/lift"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/mewmew/xlift/xref"
	"github.com/pkg/errors"
)

// lifter lifts the functions of a program specification to LLVM IR.
type lifter struct {
	// Program specification.
	s *spec.Specification
	// Architecture of the program.
	a arch.Arch
	// Memory image of the program.
	mem provider.MemoryProvider
	// Lifting options shared by all functions.
	opts lift.Options
	// Cross-reference resolver shared by all functions.
	resolver *xref.Resolver

	// Output directory.
	outDir string
	// Number of functions lifted concurrently.
	jobs int
	// Run the pass pipeline on lifted functions.
	passes bool
}

// newLifter returns a new lifter based on the given specification and binary
// executable paths. The memory image is loaded from the specification if
// binPath is empty. archName overrides the architecture of the specification
// if non-empty.
func newLifter(specPath, binPath, archName string) (*lifter, error) {
	s, err := parseSpec(specPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(archName) == 0 {
		archName = s.Arch
	}
	a, err := arch.Lookup(archName)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	mem, err := loadMemory(s, binPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	l := &lifter{
		s:   s,
		a:   a,
		mem: mem,
		opts: lift.Options{
			Arch:        a,
			Memory:      mem,
			Types:       provider.NewSpecTypeProvider(s),
			ControlFlow: provider.NewSpecControlFlowProvider(s),
		},
		resolver: xref.NewResolver(s, a.AddressSize()),
		outDir:   ".",
		jobs:     1,
		passes:   true,
	}
	return l, nil
}

// selectFuncs returns the function declarations to lift; the function at addr
// if non-zero, and every function with basic blocks otherwise.
func (l *lifter) selectFuncs(addr bin.Addr) ([]*spec.FunctionDecl, error) {
	if addr != 0 {
		decl, ok := l.s.FunctionAt(addr)
		if !ok {
			return nil, errors.Errorf("unable to locate function at %v", addr)
		}
		dbg.Printf("basic blocks of %q:\n%# v", decl.Name, pretty.Formatter(decl.CFG))
		return []*spec.FunctionDecl{decl}, nil
	}
	var decls []*spec.FunctionDecl
	l.s.ForEachFunction(func(decl *spec.FunctionDecl) bool {
		if len(decl.CFG) > 0 {
			decls = append(decls, decl)
		}
		return true
	})
	return decls, nil
}

// liftFuncs lifts the given functions concurrently, writing one LLVM IR module
// per function to the output directory. A function which fails to lift is
// skipped without affecting the other functions.
func (l *lifter) liftFuncs(decls []*spec.FunctionDecl) error {
	if err := os.MkdirAll(l.outDir, 0755); err != nil {
		return errors.WithStack(err)
	}
	jobs := l.jobs
	if jobs < 1 {
		jobs = 1
	}
	errs := make([]error, len(decls))
	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup
	for i, decl := range decls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, decl *spec.FunctionDecl) {
			defer wg.Done()
			defer func() { <-sem }()
			m, err := l.liftFunc(decl)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = l.writeModule(m, decl.Name)
		}(i, decl)
	}
	wg.Wait()
	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		var decodeErr *lift.DecodeError
		var specErr *spec.Error
		switch {
		case errors.As(err, &decodeErr):
			warn.Printf("unable to decode function %q at %v: %v", decls[i].Name, decodeErr.Addr, decodeErr)
		case errors.As(err, &specErr):
			warn.Printf("invalid specification of function %q: %v", decls[i].Name, specErr)
		default:
			warn.Printf("unable to lift function %q: %+v", decls[i].Name, err)
		}
	}
	if failed > 0 {
		return errors.Errorf("unable to lift %d of %d functions", failed, len(decls))
	}
	dbg.Printf("lifted %d functions", len(decls))
	return nil
}
