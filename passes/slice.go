package passes

import (
	"math/big"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
	"github.com/mewmew/xlift/arch"
	"github.com/pkg/errors"
)

// Slice is the backward dataflow slice of a root value, interpreted as a
// function of a single leaf input.
type Slice struct {
	// Root value of the slice.
	Root value.Value
	// Leaf input of the slice; nil if the root is constant.
	Leaf value.Value
	// Address size in number of bits.
	addrBits uint64
}

// NewSlice returns the slice of root, where pointers are addrBits wide.
//
// If isLeaf is non-nil, the slice must end in a value for which isLeaf reports
// true and every other value must be interpretable. Otherwise, the one value
// which cannot be interpreted is the leaf. An error is returned if the slice
// has more than one leaf.
func NewSlice(root value.Value, addrBits uint64, isLeaf func(v value.Value) bool) (*Slice, error) {
	s := &Slice{Root: root, addrBits: addrBits}
	if err := s.collect(root, isLeaf, make(map[value.Value]bool)); err != nil {
		return nil, errors.WithStack(err)
	}
	return s, nil
}

// collect adds v and its interpretable operands to the slice.
func (s *Slice) collect(v value.Value, isLeaf func(v value.Value) bool, visited map[value.Value]bool) error {
	if visited[v] {
		return nil
	}
	visited[v] = true
	if isLeaf != nil && isLeaf(v) {
		return s.setLeaf(v)
	}
	if bitsOf(v.Type(), s.addrBits) == 0 {
		return errors.Errorf("unsupported type %v of %v in slice", v.Type(), v.Ident())
	}
	switch v := v.(type) {
	case *constant.Int, *constant.Null:
		return nil
	case *ir.Global:
		if v.Name() == arch.PCMarker {
			return nil
		}
		return errors.Errorf("unsupported global %v in slice", v.Ident())
	}
	op, xs := decompose(v)
	if op == 0 {
		if isLeaf != nil {
			return errors.Errorf("unsupported value %v in slice", v.Ident())
		}
		return s.setLeaf(v)
	}
	for _, x := range xs {
		if err := s.collect(x, isLeaf, visited); err != nil {
			return err
		}
	}
	return nil
}

// setLeaf sets the leaf of the slice to v.
func (s *Slice) setLeaf(v value.Value) error {
	if s.Leaf != nil && s.Leaf != v {
		return errors.Errorf("slice has multiple inputs %v and %v", s.Leaf.Ident(), v.Ident())
	}
	s.Leaf = v
	return nil
}

// Eval evaluates the root of the slice with the leaf set to x. The boolean
// return value is false if the result is undefined.
func (s *Slice) Eval(x uint64) (uint64, bool) {
	env := make(map[value.Value]uint64)
	if s.Leaf != nil {
		env[s.Leaf] = truncate(x, bitsOf(s.Leaf.Type(), s.addrBits))
	}
	return s.eval(s.Root, env)
}

// eval evaluates v under the given environment.
func (s *Slice) eval(v value.Value, env map[value.Value]uint64) (uint64, bool) {
	if x, ok := env[v]; ok {
		return x, true
	}
	bits := bitsOf(v.Type(), s.addrBits)
	var x uint64
	switch v := v.(type) {
	case *constant.Int:
		x = intBits(v)
	case *constant.Null:
		x = 0
	case *ir.Global:
		// Program counter taint.
		x = 0
	default:
		op, xs := decompose(v)
		if op == 0 {
			return 0, false
		}
		args := make([]uint64, len(xs))
		for i, arg := range xs {
			y, ok := s.eval(arg, env)
			if !ok {
				return 0, false
			}
			args[i] = y
		}
		fromBits := bitsOf(xs[0].Type(), s.addrBits)
		var ok bool
		if x, ok = apply(op, args, fromBits, bits); !ok {
			return 0, false
		}
	}
	x = truncate(x, bits)
	env[v] = x
	return x, true
}

// opcode is an interpretable operation.
type opcode uint8

// Interpretable operations.
const (
	opAdd opcode = iota + 1
	opSub
	opMul
	opShl
	opLShr
	opAShr
	opAnd
	opOr
	opXor
	// Zero-extension, truncation and bit-preserving casts.
	opZExt
	opSExt
)

// decompose returns the operation and operands of v, or zero if v is not an
// interpretable operation.
func decompose(v value.Value) (opcode, []value.Value) {
	switch v := v.(type) {
	// Instructions.
	case *ir.InstAdd:
		return opAdd, []value.Value{v.X, v.Y}
	case *ir.InstSub:
		return opSub, []value.Value{v.X, v.Y}
	case *ir.InstMul:
		return opMul, []value.Value{v.X, v.Y}
	case *ir.InstShl:
		return opShl, []value.Value{v.X, v.Y}
	case *ir.InstLShr:
		return opLShr, []value.Value{v.X, v.Y}
	case *ir.InstAShr:
		return opAShr, []value.Value{v.X, v.Y}
	case *ir.InstAnd:
		return opAnd, []value.Value{v.X, v.Y}
	case *ir.InstOr:
		return opOr, []value.Value{v.X, v.Y}
	case *ir.InstXor:
		return opXor, []value.Value{v.X, v.Y}
	case *ir.InstZExt:
		return opZExt, []value.Value{v.From}
	case *ir.InstTrunc:
		return opZExt, []value.Value{v.From}
	case *ir.InstPtrToInt:
		return opZExt, []value.Value{v.From}
	case *ir.InstIntToPtr:
		return opZExt, []value.Value{v.From}
	case *ir.InstBitCast:
		return opZExt, []value.Value{v.From}
	case *ir.InstSExt:
		return opSExt, []value.Value{v.From}

	// Constant expressions.
	case *constant.ExprAdd:
		return opAdd, []value.Value{v.X, v.Y}
	case *constant.ExprSub:
		return opSub, []value.Value{v.X, v.Y}
	case *constant.ExprMul:
		return opMul, []value.Value{v.X, v.Y}
	case *constant.ExprShl:
		return opShl, []value.Value{v.X, v.Y}
	case *constant.ExprLShr:
		return opLShr, []value.Value{v.X, v.Y}
	case *constant.ExprAShr:
		return opAShr, []value.Value{v.X, v.Y}
	case *constant.ExprAnd:
		return opAnd, []value.Value{v.X, v.Y}
	case *constant.ExprOr:
		return opOr, []value.Value{v.X, v.Y}
	case *constant.ExprXor:
		return opXor, []value.Value{v.X, v.Y}
	case *constant.ExprZExt:
		return opZExt, []value.Value{v.From}
	case *constant.ExprTrunc:
		return opZExt, []value.Value{v.From}
	case *constant.ExprPtrToInt:
		return opZExt, []value.Value{v.From}
	case *constant.ExprIntToPtr:
		return opZExt, []value.Value{v.From}
	case *constant.ExprBitCast:
		return opZExt, []value.Value{v.From}
	case *constant.ExprSExt:
		return opSExt, []value.Value{v.From}
	}
	return 0, nil
}

// apply applies op to args, where the first operand is fromBits wide and the
// result is bits wide.
func apply(op opcode, args []uint64, fromBits, bits uint64) (uint64, bool) {
	switch op {
	case opZExt:
		return truncate(args[0], fromBits), true
	case opSExt:
		return signExtend(args[0], fromBits), true
	}
	x, y := args[0], args[1]
	switch op {
	case opAdd:
		return x + y, true
	case opSub:
		return x - y, true
	case opMul:
		return x * y, true
	case opShl:
		if y >= bits {
			return 0, false
		}
		return x << y, true
	case opLShr:
		if y >= bits {
			return 0, false
		}
		return x >> y, true
	case opAShr:
		if y >= bits {
			return 0, false
		}
		return uint64(int64(signExtend(x, bits)) >> y), true
	case opAnd:
		return x & y, true
	case opOr:
		return x | y, true
	case opXor:
		return x ^ y, true
	}
	return 0, false
}

// ### [ Helper functions ] ####################################################

// intBits returns the two's complement bits of the integer constant.
func intBits(c *constant.Int) uint64 {
	x := c.X
	if x.Sign() < 0 {
		x = new(big.Int).Add(x, new(big.Int).Lsh(big.NewInt(1), 64))
	}
	return x.Uint64()
}

// truncate returns the bits least significant bits of x.
func truncate(x, bits uint64) uint64 {
	if bits == 0 || bits >= 64 {
		return x
	}
	return x & (1<<bits - 1)
}

// signExtend returns x sign-extended from the given number of bits.
func signExtend(x, bits uint64) uint64 {
	if bits == 0 || bits >= 64 {
		return x
	}
	x = truncate(x, bits)
	if x&(1<<(bits-1)) != 0 {
		x |= ^uint64(0) << bits
	}
	return x
}
