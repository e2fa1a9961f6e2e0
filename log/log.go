// Package log builds the slog loggers used by the stack.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

// Format selects the handler used by [New].
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
	FormatText    Format = "text"
	FormatNoop    Format = "noop"
)

// UnmarshalText implements [encoding.TextUnmarshaler].
func (f *Format) UnmarshalText(text []byte) error {
	switch v := Format(strings.ToLower(string(text))); v {
	case FormatConsole, FormatDev, FormatJSON, FormatText, FormatNoop:
		*f = v
		return nil
	case "":
		*f = FormatConsole
		return nil
	default:
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("unknown log format %q", string(text)))
	}
}

var formatHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ap netip.AddrPort) slog.Value {
		return slog.StringValue(ap.String())
	}),
)

// New creates a logger writing to w in the given format.
// Unknown formats fall back to [FormatConsole].
func New(format Format, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if level == nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	switch format {
	case FormatNoop:
		return Noop
	case FormatDev:
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return slog.New(formatHandler(h))
}

var def atomic.Pointer[slog.Logger]

func init() {
	def.Store(New(FormatConsole, slog.LevelInfo, os.Stdout))
}

// Default returns the package default logger.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the package default logger, nil restores the console logger.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = New(FormatConsole, slog.LevelInfo, os.Stdout)
	}
	def.Store(l)
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }
