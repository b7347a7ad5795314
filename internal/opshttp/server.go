package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/lmlabs-api/internal/health"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// NewHandler builds the ops mux: /-/healthy, /-/ready, /metrics and, when
// enabled, /debug/pprof/.
func NewHandler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()

	mux.Handle("/-/healthy", health.Liveness(opts.Health))
	mux.Handle("/-/ready", health.Readiness(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	// shadow pprof with 404s so the catch-all never answers for it
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = mux
	if !opts.AllowPublic {
		h = requireNonPublicNetwork(L, h)
	}
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start runs the ops server and returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second, // pprof profile and trace default to 30s
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for ops port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
