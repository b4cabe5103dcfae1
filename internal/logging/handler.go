// Package logging builds the process slog.Logger: colorized tint output on a
// terminal, JSON everywhere else.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"deliverygw/config"
	"deliverygw/internal/core"
)

// New returns a logger writing to out. Format "text" forces tint, "json" forces
// JSON; anything else picks tint only when out is a terminal.
func New(cfg config.LogConfig, out io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var h slog.Handler
	if useText(cfg.Format, out) {
		h = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		})
	} else {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(&ContextHandler{Handler: h})
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useText(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "text", "pretty":
		return true
	case "json":
		return false
	default:
		return isTerminal(out)
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ContextHandler adds the request id and idempotency key carried by the context to every record.
type ContextHandler struct {
	slog.Handler
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := core.GetRequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if key := core.GetIdempotencyKey(ctx); key != "" {
		r.AddAttrs(slog.String("idempotency_key", key))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
