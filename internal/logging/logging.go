// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

// ResolveLevel picks the effective level: --debug wins over --verbose, which
// wins over the configured level name.
func ResolveLevel(debug, verbose bool, configured string) (slog.Level, error) {
	switch {
	case debug:
		return slog.LevelDebug, nil
	case verbose:
		return slog.LevelInfo, nil
	default:
		return ParseLevel(configured)
	}
}

// New returns a tint logger writing to w at the level held by lv. Colors are
// used only when w is a terminal.
func New(w *os.File, lv *slog.LevelVar) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	var out io.Writer = w
	noColor := !isatty.IsTerminal(w.Fd())
	if !noColor {
		out = colorable.NewColorable(w)
	}
	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      lv,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return dropEmpty(a)
		},
	}))
}

// dropEmpty removes zero-valued attributes to keep access logs short.
func dropEmpty(a slog.Attr) slog.Attr {
	skip := false
	switch t := a.Value.Any().(type) {
	case string:
		skip = t == ""
	case time.Duration:
		skip = t == 0
	case nil:
		skip = true
	}
	if skip {
		return slog.Attr{}
	}
	return a
}
