// The x tool lifts the functions of a program specification to LLVM IR
// assembly.
//
// Separation of concern is handled through reliance on the specification,
// which provides the basic blocks, prototypes, type information and control
// flow facts of each function. Each function is lifted to a separate LLVM IR
// module, written to <name>.ll in the output directory.
//
// Usage:
//
//	x [OPTION]... -spec FILE [BINARY]
//
// The memory image is loaded from the given PE or ELF binary if present, and
// from the memory ranges of the specification otherwise.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"runtime"

	"github.com/mewkiz/pkg/term"
	_ "github.com/mewmew/xlift/arch/aarch64"
	_ "github.com/mewmew/xlift/arch/sparc"
	_ "github.com/mewmew/xlift/arch/x86"
	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/lift"
	"github.com/mewmew/xlift/passes"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/xref"
)

var (
	// dbg is a logger which logs debug messages with "x:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

func usage() {
	const use = `
Lift the functions of a program specification to LLVM IR assembly.

Usage:

	x [OPTION]... -spec FILE [BINARY]

Flags:
`
	fmt.Fprint(os.Stderr, use[1:])
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments.
	var (
		// quiet specifies whether to suppress non-error messages.
		quiet bool
		// specPath specifies the path of the JSON or YAML specification.
		specPath string
		// archName specifies the architecture, overriding the specification.
		archName string
		// outDir specifies the output directory.
		outDir string
		// jobs specifies the number of functions lifted concurrently.
		jobs int
		// dot specifies whether to output control flow graphs in DOT format.
		dot bool
		// noPasses specifies whether to skip the pass pipeline.
		noPasses bool
		// funcAddr specifies the address of a single function to lift.
		funcAddr bin.Addr
	)
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.StringVar(&specPath, "spec", "", "program specification (JSON or YAML)")
	flag.StringVar(&archName, "arch", "", "architecture (overrides specification)")
	flag.StringVar(&outDir, "o", ".", "output directory")
	flag.IntVar(&jobs, "j", runtime.NumCPU(), "number of functions lifted concurrently")
	flag.BoolVar(&dot, "dot", false, "output control flow graphs and call graph in DOT format")
	flag.BoolVar(&noPasses, "no-passes", false, "skip entity rewriting and switch lowering passes")
	flag.Var(&funcAddr, "func", "lift only the function at the given address")
	flag.Usage = usage
	flag.Parse()
	if len(specPath) == 0 || flag.NArg() > 1 {
		flag.Usage()
		os.Exit(1)
	}
	// Skip debug output if -q is set.
	if quiet {
		dbg.SetOutput(ioutil.Discard)
		lift.SetDebugOutput(ioutil.Discard)
		provider.SetDebugOutput(ioutil.Discard)
		xref.SetDebugOutput(ioutil.Discard)
		passes.SetDebugOutput(ioutil.Discard)
	}
	var binPath string
	if flag.NArg() == 1 {
		binPath = flag.Arg(0)
	}

	// Lift functions of specification.
	l, err := newLifter(specPath, binPath, archName)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	l.outDir = outDir
	l.jobs = jobs
	l.passes = !noPasses
	decls, err := l.selectFuncs(funcAddr)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if err := l.liftFuncs(decls); err != nil {
		log.Fatalf("%+v", err)
	}
	if dot {
		if err := l.outputDOT(decls); err != nil {
			log.Fatalf("%+v", err)
		}
	}
}
