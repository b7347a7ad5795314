package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/lmlabs-api/internal/health"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// NewHandler wraps the API in the shared middleware chain.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	L := loggerOf(opts)

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// runs after the mounted engine, so the pattern is complete by then
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(opts.MaxBodyBytes))

	if opts.Health != nil {
		r.Get("/-/healthy", health.Liveness(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.Readiness(opts.Readiness))
	}

	if opts.API != nil {
		r.Mount("/", opts.API)
	}

	// outermost last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.BuildHeaders(opts.Build)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames it to the route pattern later
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}

	// security headers land on every response, panics included
	h = httpmw.SecurityHeaders(h)

	return h
}

// probe traffic is high volume and uninteresting
func shouldTrace(p string) bool {
	return !strings.HasPrefix(p, "/-/") && p != "/favicon.ico"
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start runs the public API server and returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	L := loggerOf(opts)
	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			retErr = srv.Shutdown(sctx)
		})
		return retErr
	}
	return stop, nil
}

// loggerOf returns opts.Logger, or Nop when unset. opts is never written.
func loggerOf(opts *Options) log.Logger {
	if opts.Logger == nil {
		return log.Nop()
	}
	return opts.Logger
}
