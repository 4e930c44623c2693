package spec

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewmew/xlift/bin"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseFile parses the given specification file. JSON (.json) and YAML (.yaml,
// .yml) specifications are supported.
func ParseFile(path string) (*Specification, error) {
	raw := &RawSpec{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := yaml.Unmarshal(buf, raw); err != nil {
			return nil, errors.Wrapf(err, "unable to parse YAML specification %q", path)
		}
	default:
		if err := jsonutil.ParseFile(path, raw); err != nil {
			return nil, errors.Wrapf(err, "unable to parse JSON specification %q", path)
		}
	}
	return Decode(raw)
}

// RawSpec is the on-disk representation of a specification.
type RawSpec struct {
	Arch      string            `json:"arch" yaml:"arch"`
	Functions []RawFunction     `json:"functions" yaml:"functions"`
	Variables []RawVariable     `json:"variables" yaml:"variables"`
	CallSites []RawCallSite     `json:"call_sites" yaml:"call_sites"`
	Overrides RawOverrides      `json:"overrides" yaml:"overrides"`
	Symbols   map[string]string `json:"symbols" yaml:"symbols"`
	Memory    []RawMemoryRange  `json:"memory" yaml:"memory"`
}

// RawLoc is the on-disk representation of a storage location.
type RawLoc struct {
	Reg       string `json:"reg,omitempty" yaml:"reg,omitempty"`
	MemReg    string `json:"mem_reg,omitempty" yaml:"mem_reg,omitempty"`
	MemOffset int64  `json:"mem_offset,omitempty" yaml:"mem_offset,omitempty"`
	Size      uint64 `json:"size,omitempty" yaml:"size,omitempty"`
}

// RawValue is the on-disk representation of a (possibly named) value
// declaration.
type RawValue struct {
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type string   `json:"type" yaml:"type"`
	Locs []RawLoc `json:"locs" yaml:"locs"`
}

// RawCallable is the on-disk representation of a prototype.
type RawCallable struct {
	Params     []RawValue `json:"params" yaml:"params"`
	Returns    []RawValue `json:"returns" yaml:"returns"`
	IsNoReturn bool       `json:"noreturn" yaml:"noreturn"`
	IsVariadic bool       `json:"variadic" yaml:"variadic"`
}

// RawBlock is the on-disk representation of a basic block and its context.
type RawBlock struct {
	Uid          Uid               `json:"uid" yaml:"uid"`
	Address      bin.Addr          `json:"address" yaml:"address"`
	Size         uint64            `json:"size" yaml:"size"`
	Outgoing     []Uid             `json:"outgoing" yaml:"outgoing"`
	Context      map[string]uint64 `json:"context,omitempty" yaml:"context,omitempty"`
	LiveAtEntry  []string          `json:"live_at_entry,omitempty" yaml:"live_at_entry,omitempty"`
	LiveAtExit   []string          `json:"live_at_exit,omitempty" yaml:"live_at_exit,omitempty"`
	StackOffsets []struct {
		Offset int64    `json:"offset" yaml:"offset"`
		Value  RawValue `json:"value" yaml:"value"`
	} `json:"stack_offsets,omitempty" yaml:"stack_offsets,omitempty"`
	Constants []struct {
		Value     bin.Addr `json:"value" yaml:"value"`
		TaintByPC bool     `json:"taint_by_pc" yaml:"taint_by_pc"`
		Target    RawValue `json:"target" yaml:"target"`
	} `json:"constants,omitempty" yaml:"constants,omitempty"`
}

// RawFunction is the on-disk representation of a function declaration.
type RawFunction struct {
	RawCallable `yaml:",inline"`
	Address     bin.Addr   `json:"address" yaml:"address"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	EntryUid    *Uid       `json:"entry_uid,omitempty" yaml:"entry_uid,omitempty"`
	InScopeVars []RawValue `json:"in_scope_variables" yaml:"in_scope_variables"`
	TypeHints   []struct {
		Address bin.Addr `json:"address" yaml:"address"`
		Value   RawValue `json:"value" yaml:"value"`
	} `json:"type_hints,omitempty" yaml:"type_hints,omitempty"`
	Blocks []RawBlock `json:"blocks" yaml:"blocks"`
}

// RawVariable is the on-disk representation of a global variable.
type RawVariable struct {
	Address bin.Addr `json:"address" yaml:"address"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type    string   `json:"type" yaml:"type"`
	Size    uint64   `json:"size,omitempty" yaml:"size,omitempty"`
}

// RawCallSite is the on-disk representation of a call-site prototype.
type RawCallSite struct {
	RawCallable `yaml:",inline"`
	FuncAddr    bin.Addr `json:"function" yaml:"function"`
	CallSite    bin.Addr `json:"address" yaml:"address"`
}

// RawOverrides is the on-disk representation of control flow overrides.
type RawOverrides struct {
	Calls []struct {
		Address  bin.Addr  `json:"address" yaml:"address"`
		Target   *bin.Addr `json:"target,omitempty" yaml:"target,omitempty"`
		TailCall bool      `json:"tail_call" yaml:"tail_call"`
	} `json:"calls" yaml:"calls"`
	Returns []bin.Addr `json:"returns" yaml:"returns"`
	Jumps   []struct {
		Address bin.Addr `json:"address" yaml:"address"`
		Targets []struct {
			Address bin.Addr          `json:"address" yaml:"address"`
			Context map[string]uint64 `json:"context,omitempty" yaml:"context,omitempty"`
		} `json:"targets" yaml:"targets"`
	} `json:"jumps" yaml:"jumps"`
}

// RawMemoryRange is the on-disk representation of a memory range; Data is hex
// encoded and Perms is a combination of the letters r, w and x.
type RawMemoryRange struct {
	Address bin.Addr `json:"address" yaml:"address"`
	Data    string   `json:"data" yaml:"data"`
	Perms   string   `json:"perms" yaml:"perms"`
}

// Decode decodes the given on-disk specification.
func Decode(raw *RawSpec) (*Specification, error) {
	s := New(raw.Arch)
	for _, rf := range raw.Functions {
		f, err := decodeFunction(rf)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := s.AddFunction(f); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, rv := range raw.Variables {
		typ, err := ParseType(rv.Type)
		if err != nil {
			return nil, Errorf(uint64(rv.Address), "variable %q: %v", rv.Name, err)
		}
		v := &VariableDecl{Address: rv.Address, Name: rv.Name, Type: typ, Size: rv.Size}
		if err := s.AddVariable(v); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, rc := range raw.CallSites {
		c, err := decodeCallable(rc.CallSite, rc.RawCallable)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		cs := &CallSiteDecl{CallableDecl: c, FuncAddr: rc.FuncAddr, CallSite: rc.CallSite}
		if err := s.AddCallSite(cs); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, rc := range raw.Overrides.Calls {
		c := &Call{Address: rc.Address, Target: rc.Target, IsTailCall: rc.TailCall}
		if err := s.AddOverride(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, addr := range raw.Overrides.Returns {
		if err := s.AddOverride(&Return{Address: addr}); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, rj := range raw.Overrides.Jumps {
		j := &Jump{Address: rj.Address}
		for _, rt := range rj.Targets {
			j.Targets = append(j.Targets, JumpTarget{Address: rt.Address, ContextAssignments: rt.Context})
		}
		if err := s.AddOverride(j); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for key, name := range raw.Symbols {
		var addr bin.Addr
		if err := addr.Set(key); err != nil {
			return nil, Errorf(0, "invalid symbol address %q", key)
		}
		s.Symbols[addr] = name
	}
	for _, rm := range raw.Memory {
		data, err := hex.DecodeString(rm.Data)
		if err != nil {
			return nil, Errorf(uint64(rm.Address), "invalid memory range data; %v", err)
		}
		s.MemoryRanges = append(s.MemoryRanges, MemoryRange{
			Address:    rm.Address,
			Data:       data,
			Readable:   strings.ContainsRune(rm.Perms, 'r'),
			Writable:   strings.ContainsRune(rm.Perms, 'w'),
			Executable: strings.ContainsRune(rm.Perms, 'x'),
		})
	}
	if err := s.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	return s, nil
}

// decodeFunction decodes the given on-disk function declaration.
func decodeFunction(rf RawFunction) (*FunctionDecl, error) {
	c, err := decodeCallable(rf.Address, rf.RawCallable)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	f := &FunctionDecl{
		CallableDecl: c,
		Address:      rf.Address,
		Name:         rf.Name,
		CFG:          make(map[Uid]CodeBlock),
		Contexts:     make(map[Uid]*BlockContext),
	}
	vars := make(map[string]ParameterDecl)
	for _, rv := range rf.InScopeVars {
		v, err := decodeParam(rf.Address, rv)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if _, ok := vars[v.Name]; ok {
			return nil, Errorf(uint64(rf.Address), "duplicate in-scope variable %q", v.Name)
		}
		vars[v.Name] = v
		f.InScopeVars = append(f.InScopeVars, v)
	}
	for _, rh := range rf.TypeHints {
		v, err := decodeValue(rh.Address, rh.Value)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		f.TypeHints = append(f.TypeHints, TypeHint{TargetAddr: rh.Address, Hint: v})
	}
	sort.SliceStable(f.TypeHints, func(i, j int) bool { return f.TypeHints[i].TargetAddr < f.TypeHints[j].TargetAddr })
	entryFound := false
	for _, rb := range rf.Blocks {
		if _, ok := f.CFG[rb.Uid]; ok {
			return nil, Errorf(uint64(rf.Address), "duplicate basic block uid %d", rb.Uid)
		}
		f.CFG[rb.Uid] = CodeBlock{
			Addr:               rb.Address,
			Size:               rb.Size,
			Uid:                rb.Uid,
			OutgoingEdges:      rb.Outgoing,
			ContextAssignments: rb.Context,
		}
		if rf.EntryUid == nil && rb.Address == rf.Address && !entryFound {
			f.EntryUid = rb.Uid
			entryFound = true
		}
		ctx, err := decodeBlockContext(rf.Address, rb, vars)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if ctx != nil {
			f.Contexts[rb.Uid] = ctx
		}
	}
	if rf.EntryUid != nil {
		f.EntryUid = *rf.EntryUid
	} else if !entryFound {
		return nil, Errorf(uint64(rf.Address), "no basic block at function entry")
	}
	return f, nil
}

// decodeBlockContext decodes the block context of the given on-disk basic
// block; returns nil if the basic block has no explicit context.
func decodeBlockContext(addr bin.Addr, rb RawBlock, vars map[string]ParameterDecl) (*BlockContext, error) {
	if rb.LiveAtEntry == nil && rb.LiveAtExit == nil && len(rb.StackOffsets) == 0 && len(rb.Constants) == 0 {
		return nil, nil
	}
	ctx := &BlockContext{}
	lookup := func(names []string) ([]ParameterDecl, error) {
		var live []ParameterDecl
		for _, name := range names {
			v, ok := vars[name]
			if !ok {
				return nil, Errorf(uint64(addr), "basic block %d references unknown in-scope variable %q", rb.Uid, name)
			}
			live = append(live, v)
		}
		return live, nil
	}
	var err error
	if ctx.LiveAtEntry, err = lookup(rb.LiveAtEntry); err != nil {
		return nil, err
	}
	if ctx.LiveAtExit, err = lookup(rb.LiveAtExit); err != nil {
		return nil, err
	}
	for _, so := range rb.StackOffsets {
		v, err := decodeValue(rb.Address, so.Value)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ctx.StackOffsetsAtEntry = append(ctx.StackOffsetsAtEntry, StackOffset{Offset: so.Offset, Target: v})
	}
	for _, rc := range rb.Constants {
		v, err := decodeValue(rb.Address, rc.Target)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ctx.ConstantsAtEntry = append(ctx.ConstantsAtEntry, RegConstant{Value: uint64(rc.Value), TaintByPC: rc.TaintByPC, Target: v})
	}
	return ctx, nil
}

// decodeCallable decodes the given on-disk prototype.
func decodeCallable(addr bin.Addr, rc RawCallable) (CallableDecl, error) {
	c := CallableDecl{IsNoReturn: rc.IsNoReturn, IsVariadic: rc.IsVariadic}
	for _, rp := range rc.Params {
		p, err := decodeParam(addr, rp)
		if err != nil {
			return CallableDecl{}, errors.WithStack(err)
		}
		c.Params = append(c.Params, p)
	}
	for _, rr := range rc.Returns {
		v, err := decodeValue(addr, rr)
		if err != nil {
			return CallableDecl{}, errors.WithStack(err)
		}
		c.Returns = append(c.Returns, v)
	}
	return c, nil
}

// decodeParam decodes the given on-disk named value.
func decodeParam(addr bin.Addr, rv RawValue) (ParameterDecl, error) {
	v, err := decodeValue(addr, rv)
	if err != nil {
		return ParameterDecl{}, errors.WithStack(err)
	}
	if rv.Name == "" {
		return ParameterDecl{}, Errorf(uint64(addr), "unnamed parameter or variable")
	}
	return ParameterDecl{ValueDecl: v, Name: rv.Name}, nil
}

// decodeValue decodes the given on-disk value.
func decodeValue(addr bin.Addr, rv RawValue) (ValueDecl, error) {
	typ, err := ParseType(rv.Type)
	if err != nil {
		return ValueDecl{}, Errorf(uint64(addr), "value %q: %v", rv.Name, err)
	}
	v := ValueDecl{Type: typ}
	for _, rl := range rv.Locs {
		v.Locs = append(v.Locs, LowLoc{Reg: rl.Reg, MemReg: rl.MemReg, MemOffset: rl.MemOffset, Size: rl.Size})
	}
	return v, nil
}
