package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// consoleHandler is a compact slog.Handler for terminals: dim timestamp,
// colored level badge, message, then key=value attributes on one line.
type consoleHandler struct {
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func newConsoleHandler(out io.Writer, level slog.Level) *consoleHandler {
	return &consoleHandler{out: out, level: level, mu: &sync.Mutex{}}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05"))

	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	line := fmt.Sprintf("%s %s %s%s\n", ts, levelBadge(r.Level), r.Message, formatAttrs(attrs))

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line)
	return err
}

// WithAttrs copies the handler but shares the mutex, so derived loggers
// writing to the same terminal do not tear each other's lines.
func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *consoleHandler) WithGroup(string) slog.Handler { return h }

func levelBadge(level slog.Level) string {
	var bg, fg color.Attribute
	switch {
	case level >= slog.LevelError:
		bg, fg = color.BgRed, color.FgWhite
	case level >= slog.LevelWarn:
		bg, fg = color.BgYellow, color.FgBlack
	case level >= slog.LevelInfo:
		bg, fg = color.BgBlue, color.FgWhite
	default:
		bg, fg = color.BgMagenta, color.FgWhite
	}
	return color.New(bg, fg, color.Bold).Sprint(" " + level.String() + " ")
}

func formatAttrs(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.Key+"="+formatAttrValue(a.Value))
	}
	return " " + strings.Join(parts, " ")
}

func formatAttrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%g", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}
