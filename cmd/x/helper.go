package main

import (
	"bytes"
	"io"
	"os"

	"github.com/mewkiz/pkg/osutil"
	"github.com/mewmew/xlift/provider"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
)

// parseSpec parses the given JSON or YAML specification file.
func parseSpec(specPath string) (*spec.Specification, error) {
	if !osutil.Exists(specPath) {
		return nil, errors.Errorf("unable to locate specification %q", specPath)
	}
	dbg.Printf("parseSpec(specPath = %q)", specPath)
	s, err := spec.ParseFile(specPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return s, nil
}

// loadMemory loads the memory image of the given PE or ELF binary executable,
// or of the memory ranges of the specification if binPath is empty.
func loadMemory(s *spec.Specification, binPath string) (provider.MemoryProvider, error) {
	if len(binPath) == 0 {
		img, err := provider.NewSpecMemoryProvider(s)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return img, nil
	}
	if !osutil.Exists(binPath) {
		return nil, errors.Errorf("unable to locate binary executable %q", binPath)
	}
	magic, err := readMagic(binPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var img *provider.Image
	switch {
	case bytes.HasPrefix(magic, []byte("MZ")):
		img, err = provider.LoadPE(binPath)
	case bytes.HasPrefix(magic, []byte("\x7FELF")):
		img, err = provider.LoadELF(binPath)
	default:
		return nil, errors.Errorf("support for file format of %q not yet implemented", binPath)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return img, nil
}

// readMagic returns the leading bytes of the given file.
func readMagic(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.WithStack(err)
	}
	return buf[:n], nil
}
