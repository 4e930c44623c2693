package spec

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a specification error; the declarative input is malformed or
// internally contradictory. Specification errors are fatal to the lift of the
// affected function.
type Error struct {
	// Address of the function or entity the error relates to; zero if unknown.
	Addr uint64
	// Error message.
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("specification error at 0x%X: %s", e.Addr, e.Msg)
	}
	return fmt.Sprintf("specification error: %s", e.Msg)
}

// Errorf returns a new specification error with a stack trace.
func Errorf(addr uint64, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Addr: addr, Msg: fmt.Sprintf(format, args...)})
}

// IsError reports whether err is caused by a specification error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
