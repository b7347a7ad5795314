package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelCritical sits above slog.LevelError for failures nobody anticipated.
const LevelCritical = slog.Level(12)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)
	Critical(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string

	// Level is the minimum level written; a *slog.LevelVar allows changing it at runtime.
	Level slog.Leveler
	// StacktraceLevel is where records start carrying a stack. nil means error.
	StacktraceLevel slog.Leveler

	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Redact lists attribute keys whose values are masked, compared case
	// insensitively. nil uses DefaultRedactKeys.
	Redact []string

	Writer io.Writer
}

// DefaultRedactKeys covers the credentials this service handles.
var DefaultRedactKeys = []string{"authorization", "token", "secret", "auth_secret", "password", "cookie"}

// Redacted replaces the value of any redacted attribute.
const Redacted = "[REDACTED]"

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	x := strings.ToLower(strings.TrimSpace(s))
	switch x {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error|critical)", s)
	}
}

// LevelName renders LevelCritical as CRITICAL and defers to slog otherwise.
func LevelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRITICAL"
	}
	return l.String()
}
