package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// traceHandler adds trace_id and span_id when ctx carries a valid span.
type traceHandler struct{ next slog.Handler }

func (h traceHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}

// stackHandler adds a "stack" attribute to records at or above level. A
// stack already on the record is kept, then one carried by the err
// attribute, then the logging call site.
type stackHandler struct {
	next  slog.Handler
	level slog.Leveler
}

func (h stackHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		if s := recordStack(r); s != "" {
			r.AddAttrs(slog.String("stack", s))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}

// recordStack returns the stack to attach, or "" when r already has one.
func recordStack(r slog.Record) string {
	var pcs []uintptr
	supplied := false
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "stack":
			supplied = true
			return false
		case "err":
			if hs, ok := a.Value.Any().(hasStack); ok && hs != nil {
				pcs = hs.StackPCs()
			}
		}
		return true
	})
	switch {
	case supplied:
		return ""
	case len(pcs) > 0:
		return renderPCs(pcs)
	}

	buf := make([]uintptr, 64)
	// skip runtime.Callers, recordStack and Handle
	n := runtime.Callers(3, buf)
	return renderPCs(buf[:n])
}

func isLogFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/log.")
}

// renderPCs formats frames as "func\n\tfile:line", starting at the first
// frame outside the logger and stopping at the runtime.
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !isLogFrame(fr.Function)
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
