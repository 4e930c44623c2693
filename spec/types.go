package spec

import (
	"strings"

	"github.com/llir/llvm/ir/types"
	"github.com/pkg/errors"
)

// ParseType parses the textual representation of a value type. Supported types
// are the LLVM integer types i1 through i64, "ptr" (an opaque byte pointer),
// "float", "double" and "void".
func ParseType(s string) (types.Type, error) {
	switch strings.TrimSpace(s) {
	case "void", "":
		return types.Void, nil
	case "i1", "bool":
		return types.I1, nil
	case "i8":
		return types.I8, nil
	case "i16":
		return types.I16, nil
	case "i32":
		return types.I32, nil
	case "i64":
		return types.I64, nil
	case "ptr":
		return types.I8Ptr, nil
	case "float":
		return types.Float, nil
	case "double":
		return types.Double, nil
	}
	return nil, errors.Errorf("unsupported value type %q", s)
}

// TypeBits returns the size in number of bits of a value of the given type,
// where pointers are addrBits wide.
func TypeBits(t types.Type, addrBits uint64) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		return t.BitSize
	case *types.PointerType:
		return addrBits
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindFloat:
			return 32
		case types.FloatKindDouble:
			return 64
		}
	case *types.StructType:
		var n uint64
		for _, field := range t.Fields {
			n += TypeBits(field, addrBits)
		}
		return n
	}
	return 0
}
