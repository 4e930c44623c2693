package provider

import (
	"debug/elf"
	"debug/pe"
	"sort"

	"github.com/mewmew/xlift/bin"
	"github.com/mewmew/xlift/spec"
	"github.com/pkg/errors"
)

// ByteAvailability specifies whether the byte at an address is known.
type ByteAvailability uint8

// Byte availabilities.
const (
	AvailabilityUnknown ByteAvailability = iota
	Unavailable
	Available
)

// String returns the string representation of the byte availability.
func (a ByteAvailability) String() string {
	switch a {
	case Unavailable:
		return "unavailable"
	case Available:
		return "available"
	}
	return "unknown"
}

// BytePermission specifies the access permissions of the byte at an address.
type BytePermission uint8

// Byte permissions.
const (
	PermissionUnknown BytePermission = iota
	Readable
	ReadableWritable
	ReadableExecutable
	ReadableWritableExecutable
)

// String returns the string representation of the byte permission.
func (p BytePermission) String() string {
	switch p {
	case Readable:
		return "r"
	case ReadableWritable:
		return "rw"
	case ReadableExecutable:
		return "rx"
	case ReadableWritableExecutable:
		return "rwx"
	}
	return "unknown"
}

// IsExecutable reports whether the permission allows execution.
func (p BytePermission) IsExecutable() bool {
	return p == ReadableExecutable || p == ReadableWritableExecutable
}

// IsReadable reports whether the permission allows reading.
func (p BytePermission) IsReadable() bool {
	return p != PermissionUnknown
}

// IsWritable reports whether the permission allows writing.
func (p BytePermission) IsWritable() bool {
	return p == ReadableWritable || p == ReadableWritableExecutable
}

// Perm returns the byte permission with the given access rights. Write or
// execute access implies read access.
func Perm(writable, executable bool) BytePermission {
	switch {
	case writable && executable:
		return ReadableWritableExecutable
	case writable:
		return ReadableWritable
	case executable:
		return ReadableExecutable
	}
	return Readable
}

// MemoryProvider provides byte-level access to the memory image of a program.
type MemoryProvider interface {
	// Query returns the byte at addr, its availability and its permissions.
	Query(addr bin.Addr) (byte, ByteAvailability, BytePermission)
}

// NullMemoryProvider is a memory provider without any memory contents.
type NullMemoryProvider struct{}

// Query returns the byte at addr; the byte is always unavailable.
func (NullMemoryProvider) Query(addr bin.Addr) (byte, ByteAvailability, BytePermission) {
	return 0, Unavailable, PermissionUnknown
}

// ReadBytes reads n bytes starting at addr, stopping at the first unavailable
// or unreadable byte.
func ReadBytes(mem MemoryProvider, addr bin.Addr, n int) []byte {
	buf := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, avail, perm := mem.Query(addr + bin.Addr(i))
		if avail != Available || !perm.IsReadable() {
			break
		}
		buf = append(buf, b)
	}
	return buf
}

// segment is a contiguous range of mapped memory.
type segment struct {
	// Start address.
	addr bin.Addr
	// Contents.
	data []byte
	// Access permissions.
	perm BytePermission
}

// end returns the address one past the last byte of the segment.
func (seg *segment) end() bin.Addr {
	return seg.addr + bin.Addr(len(seg.data))
}

// Image is a memory image of a program, consisting of non-overlapping mapped
// segments. An image must not be modified once shared between lifters.
type Image struct {
	// Segments sorted by start address.
	segs []*segment
}

// NewImage returns a new empty memory image.
func NewImage() *Image {
	return &Image{}
}

// Map maps data at addr with the given permissions.
func (img *Image) Map(addr bin.Addr, data []byte, perm BytePermission) error {
	seg := &segment{addr: addr, data: data, perm: perm}
	for _, s := range img.segs {
		if seg.addr < s.end() && s.addr < seg.end() {
			return errors.Errorf("segment %v-%v overlaps mapped segment %v-%v", seg.addr, seg.end(), s.addr, s.end())
		}
	}
	img.segs = append(img.segs, seg)
	sort.Slice(img.segs, func(i, j int) bool { return img.segs[i].addr < img.segs[j].addr })
	return nil
}

// Query returns the byte at addr, its availability and its permissions.
func (img *Image) Query(addr bin.Addr) (byte, ByteAvailability, BytePermission) {
	i := sort.Search(len(img.segs), func(i int) bool { return img.segs[i].addr > addr })
	if i == 0 {
		return 0, Unavailable, PermissionUnknown
	}
	seg := img.segs[i-1]
	if addr >= seg.end() {
		return 0, Unavailable, PermissionUnknown
	}
	return seg.data[addr-seg.addr], Available, seg.perm
}

// NewSpecMemoryProvider returns a memory image of the memory ranges of the
// given specification.
func NewSpecMemoryProvider(s *spec.Specification) (*Image, error) {
	img := NewImage()
	for _, r := range s.MemoryRanges {
		if !r.Readable && !r.Writable && !r.Executable {
			warn.Printf("skipping inaccessible memory range at %v", r.Address)
			continue
		}
		if err := img.Map(r.Address, r.Data, Perm(r.Writable, r.Executable)); err != nil {
			return nil, spec.Errorf(uint64(r.Address), "invalid memory range; %v", err)
		}
	}
	return img, nil
}

// LoadPE loads the memory image of the given PE file.
func LoadPE(binPath string) (*Image, error) {
	dbg.Printf("LoadPE(binPath = %q)", binPath)
	file, err := pe.Open(binPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()
	var base bin.Addr
	switch optHdr := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = bin.Addr(optHdr.ImageBase)
	case *pe.OptionalHeader64:
		base = bin.Addr(optHdr.ImageBase)
	default:
		return nil, errors.Errorf("support for PE optional header %T not yet implemented", optHdr)
	}
	img := NewImage()
	for _, sect := range file.Sections {
		data, err := sect.Data()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		addr := base + bin.Addr(sect.VirtualAddress)
		dbg.Printf("=== [ section %q at %v ] ===", sect.Name, addr)
		perm := Perm(isWritable(sect), isExec(sect))
		if err := img.Map(addr, data, perm); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return img, nil
}

// LoadELF loads the memory image of the loadable segments of the given ELF
// file.
func LoadELF(binPath string) (*Image, error) {
	dbg.Printf("LoadELF(binPath = %q)", binPath)
	file, err := elf.Open(binPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()
	img := NewImage()
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		data := make([]byte, prog.Memsz)
		if _, err := prog.ReadAt(data[:prog.Filesz], 0); err != nil {
			return nil, errors.WithStack(err)
		}
		addr := bin.Addr(prog.Vaddr)
		dbg.Printf("=== [ segment at %v ] ===", addr)
		perm := Perm(prog.Flags&elf.PF_W != 0, prog.Flags&elf.PF_X != 0)
		if err := img.Map(addr, data, perm); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return img, nil
}

// ### [ Helper functions ] ####################################################

// isExec reports whether the given section is executable.
func isExec(sect *pe.Section) bool {
	const codeMask = 0x00000020
	return sect.Characteristics&codeMask != 0
}

// isWritable reports whether the given section is writable.
func isWritable(sect *pe.Section) bool {
	const writeMask = 0x80000000
	return sect.Characteristics&writeMask != 0
}
