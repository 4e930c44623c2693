package main

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/pkg/errors"
)

// writeModule writes the LLVM IR assembly of m to <name>.ll in the output
// directory.
func (l *lifter) writeModule(m *ir.Module, name string) error {
	llPath := filepath.Join(l.outDir, fileName(name)+".ll")
	dbg.Printf("creating %q", llPath)
	if err := ioutil.WriteFile(llPath, []byte(m.String()), 0644); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// fileName returns a file name based on the given function name.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
