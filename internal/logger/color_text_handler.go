package logger

import (
	"context"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

// ColorTextHandler is a slog.TextHandler that prefixes the message with a colored level
// tag when color is enabled. Without color it behaves exactly like TextHandler.
type ColorTextHandler struct {
	slog.Handler
	color bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	return &ColorTextHandler{Handler: slog.NewTextHandler(w, opts), color: color}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.color {
		code, ok := levelColors[r.Level]
		if !ok {
			code = colorReset
		}
		r.Message = code + r.Level.String() + colorReset + "  " + r.Message
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), color: h.color}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), color: h.color}
}
