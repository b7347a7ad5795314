package httpmw

import (
	"context"
	"net/http"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/lmlabs-api/internal/log"
)

type captured struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger captures every call. With() returns a child that shares the
// record slice and remembers its own fields.
type spyLogger struct {
	mu   *sync.Mutex
	logs *[]captured
	with []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, logs: &[]captured{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	return &spyLogger{mu: s.mu, logs: s.logs, with: append(append([]any(nil), s.with...), kv...)}
}

func (s *spyLogger) add(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.logs = append(*s.logs, captured{level: level, msg: msg, err: err, kv: append(append([]any(nil), s.with...), kv...)})
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.add("debug", msg, nil, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.add("info", msg, nil, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.add("warn", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add("error", msg, err, kv)
}
func (s *spyLogger) Critical(_ context.Context, err error, msg string, kv ...any) {
	s.add("critical", msg, err, kv)
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) all() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]captured(nil), *s.logs...)
}

// field returns the value for key in kv.
func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// recordingContext returns a context carrying a live, recording span.
func recordingContext(t *testing.T) (context.Context, *tracetest.SpanRecorder, trace.Span) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "initial")
	return ctx, sr, span
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})
