package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

const tracerName = "lmlabs-api/httpmw"

// responseWriter records status and bytes written, and times the write
// phase in a child span once the first byte goes out.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	writeSpan        trace.Span
	writeSpanStarted bool
	firstWriteAt     time.Duration
	writeBlocked     time.Duration
	writeErr         error
}

func newResponseWriter(w http.ResponseWriter, r *http.Request, start time.Time) *responseWriter {
	return &responseWriter{ResponseWriter: w, ctx: r.Context(), reqStart: start}
}

func (rw *responseWriter) statusOrOK() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) ensureWriteSpan() {
	if rw.writeSpanStarted {
		return
	}
	rw.writeSpanStarted = true
	rw.firstWriteAt = time.Since(rw.reqStart)

	parent := trace.SpanFromContext(rw.ctx)
	if !parent.IsRecording() {
		return
	}
	// same provider as the server span, so the child lands in the same pipeline
	rw.ctx, rw.writeSpan = parent.TracerProvider().Tracer(tracerName).Start(rw.ctx, "response.write",
		trace.WithAttributes(
			attribute.Float64("http.server.ttfb_seconds", rw.firstWriteAt.Seconds()),
		),
	)
}

func (rw *responseWriter) finishWriteSpan() {
	if rw.writeSpan == nil {
		return
	}
	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusOrOK()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.ensureWriteSpan()
	rw.status = code
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.ensureWriteSpan()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context, pre-populated
// with request metadata. It expects RequestID and ClientIP to run first.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = peerAddr
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// DefaultAccessLogSkip lists probe paths left out of the access log.
var DefaultAccessLogSkip = []string{"/-/healthy", "/-/ready"}

// AccessLog writes one "http request" line per request through the logger
// in the context. Requests for any of skip are not logged; a nil skip means
// DefaultAccessLogSkip.
func AccessLog(skip ...string) func(http.Handler) http.Handler {
	if skip == nil {
		skip = DefaultAccessLogSkip
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w, r, start)

			next.ServeHTTP(rw, r)
			rw.finishWriteSpan()

			if _, ok := skipped[r.URL.Path]; ok {
				return
			}

			// route context is a pointer, so chi has filled it in by now
			ctx := r.Context()
			var reqBodySize int64
			if r.ContentLength > 0 {
				reqBodySize = r.ContentLength
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", rw.statusOrOK(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.server.ttfb", rw.firstWriteAt.Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBodySize,
				"http.route", routePattern(r),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// schemeFromRequest reports http or https. X-Forwarded-Proto only survives
// ClientIP when it came from a trusted proxy; anything other than a known
// scheme is ignored.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); s == "http" || s == "https" {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the name of the handler group.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
