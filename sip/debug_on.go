//go:build sipdebug

package sip

import (
	"fmt"
	"log/slog"
)

// assert panics on broken table invariants in debug builds.
func assert(_ *slog.Logger, cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("sip: assertion failed: "+format, args...))
	}
}
