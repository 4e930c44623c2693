// Package provider defines the read-only capability interfaces consulted by the
// lifter: memory contents, declared types and recovered control flow.
//
// Every provider must support concurrent queries and no query may have an
// externally observable side effect. Each interface has a null default, so a
// lifter can run with partial or absent information.
package provider

import (
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "provider:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("provider:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of the debug logger of the
// package.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}
