//go:build !sipdebug

package sip

import (
	"context"
	"fmt"
	"log/slog"
)

// assert logs broken table invariants, build with the sipdebug tag to panic instead.
func assert(log *slog.Logger, cond bool, format string, args ...any) {
	if !cond {
		log.LogAttrs(context.Background(), slog.LevelError, "assertion failed",
			slog.String("reason", fmt.Sprintf(format, args...)))
	}
}
