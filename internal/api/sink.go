package api

import (
	"context"
	"errors"
	"sort"

	"github.com/keithlinneman/lmlabs-api/internal/log"
)

// Level is the severity of a Record.
type Level int

const (
	LevelInfo Level = iota
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Record is one structured log entry emitted by the middlewares.
type Record struct {
	Level  Level
	Title  string
	Fields map[string]any
	// Err is the failure behind an ERROR or CRITICAL record, if any.
	Err error
}

// Sink receives records. Implementations must not block the request.
type Sink interface {
	Log(ctx context.Context, rec Record)
}

type SinkFunc func(ctx context.Context, rec Record)

func (f SinkFunc) Log(ctx context.Context, rec Record) { f(ctx, rec) }

// LoggerSink writes records through the service logger. The request-scoped
// logger in ctx wins over base so records carry request_id and friends.
func LoggerSink(base log.Logger) Sink {
	if base == nil {
		base = log.Nop()
	}
	return &loggerSink{base: base}
}

type loggerSink struct {
	base log.Logger
}

func (s *loggerSink) Log(ctx context.Context, rec Record) {
	L := log.FromContextOr(ctx, s.base)
	// report the middleware that produced rec as the source
	ctx = log.WithCallerSkip(ctx, 1)
	kv := fieldsKV(rec.Fields)
	switch rec.Level {
	case LevelCritical:
		L.Critical(ctx, errOrTitle(rec), rec.Title, kv...)
	case LevelError:
		L.Error(ctx, errOrTitle(rec), rec.Title, kv...)
	default:
		L.Info(ctx, rec.Title, kv...)
	}
}

func errOrTitle(rec Record) error {
	if rec.Err != nil {
		return rec.Err
	}
	return errors.New(rec.Title)
}

// fieldsKV flattens fields in key order so output is stable.
func fieldsKV(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}

func nopSink(context.Context, Record) {}
