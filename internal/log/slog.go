package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	errs  errorFields
}

// errorFields controls what Error and Critical add for their err argument.
type errorFields struct {
	links    bool
	maxLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	stackLevel := opts.StacktraceLevel
	if stackLevel == nil {
		stackLevel = slog.LevelError
	}
	redact := opts.Redact
	if redact == nil {
		redact = DefaultRedactKeys
	}

	hopts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr(redact),
	}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	// outermost runs first: stack, then trace ids, then the writer
	h = stackHandler{next: traceHandler{next: h}, level: stackLevel}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	if opts.Commit != "" {
		attrs = append(attrs, slog.String("commit", opts.Commit))
	}

	maxLinks := opts.MaxErrorLinks
	if maxLinks <= 0 {
		maxLinks = 8
	}
	return &slogLogger{
		h:     h,
		attrs: attrs,
		errs:  errorFields{links: opts.IncludeErrorLinks, maxLinks: maxLinks},
	}, nil
}

// replaceAttr names LevelCritical and masks redacted keys at any depth.
func replaceAttr(redact []string) func([]string, slog.Attr) slog.Attr {
	masked := make(map[string]struct{}, len(redact))
	for _, k := range redact {
		masked[strings.ToLower(k)] = struct{}{}
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.LevelKey && len(groups) == 0 {
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(LevelName(lvl))
			}
			return a
		}
		if _, ok := masked[strings.ToLower(a.Key)]; ok {
			a.Value = slog.StringValue(Redacted)
		}
		return a
	}
}

func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	// fresh slice so siblings never share a backing array
	attrs := make([]slog.Attr, 0, len(s.attrs)+len(add))
	attrs = append(append(attrs, s.attrs...), add...)
	return &slogLogger{h: s.h, attrs: attrs, errs: s.errs}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	s.emit(ctx, slog.LevelError, msg, s.errs.append(kv, err))
}

func (s *slogLogger) Critical(ctx context.Context, err error, msg string, kv ...any) {
	s.emit(ctx, LevelCritical, msg, s.errs.append(kv, err))
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, emit and the exported level method
	var pcs [1]uintptr
	runtime.Callers(3+callerSkip(ctx), pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

func (f errorFields) append(kv []any, err error) []any {
	if err == nil {
		return kv
	}
	surface, root := classifyTypes(err)
	kv = append(kv, "err", err, "error_type", surface, "cause_type", root)
	if chain := errorChain(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if f.links {
		kv = append(kv, "error_links", chainLinks(err, f.maxLinks))
	}
	return kv
}
