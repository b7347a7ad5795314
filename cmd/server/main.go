package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/lmlabs-api/internal/api"
	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/auth"
	"github.com/keithlinneman/lmlabs-api/internal/authkey"
	"github.com/keithlinneman/lmlabs-api/internal/cfg"
	"github.com/keithlinneman/lmlabs-api/internal/health"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
	"github.com/keithlinneman/lmlabs-api/internal/httpserver"
	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/metrics"
	"github.com/keithlinneman/lmlabs-api/internal/opshttp"
	"github.com/keithlinneman/lmlabs-api/internal/otelx"
	"github.com/keithlinneman/lmlabs-api/internal/prof"
	"github.com/keithlinneman/lmlabs-api/internal/ratelimit"
	"github.com/keithlinneman/lmlabs-api/internal/router"
	v "github.com/keithlinneman/lmlabs-api/internal/version"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

const (
	// keyProbeTimeout bounds one readiness check of the token verification key.
	keyProbeTimeout = 2 * time.Second
	keyProbeCache   = 10 * time.Second
)

func main() {
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"auth_key_source", conf.AuthKeySource,
		"auth_optional", conf.AuthOptional,
		"ratelimit_rps", conf.RateLimitRPS,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "profiling disabled after start failure", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer stopProf()

	// the collector runs on localhost, so no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL, _ = otelx.Init(ctx, otelx.Options{})
	}

	keys, err := authkey.New(ctx, conf.KeyOptions())
	if err != nil {
		L.Critical(ctx, err, "failed to build auth key source", "auth_key_source", conf.AuthKeySource)
		os.Exit(1)
	}
	keyReady := keyProbe(ctx, L, keys, m)

	a := api.New(api.LoggerSink(L),
		api.WithErrorObserver(m.ObserveAPIError),
		api.WithEngineOptions(router.WithMaxBody(conf.MaxBodyBytes)),
	)
	deny := func(w http.ResponseWriter, r *http.Request, err *apierr.Error) { a.Fail(w, r, err) }

	var keyfunc jwt.Keyfunc
	if keys != nil {
		keyfunc = authkey.Keyfunc(keys)
	}
	a.Use(auth.JWTAuthorizer(auth.Config{
		Keyfunc:      keyfunc,
		ValidMethods: conf.JWTMethods(),
		Issuer:       conf.JWTIssuer,
		Audience:     conf.JWTAudience,
		Leeway:       conf.JWTLeeway,
		Optional:     conf.AuthOptional,
		OnFailure:    m.IncAuthFailure,
		Deny:         deny,
	}))

	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithMaxKeys(conf.RateLimitMaxKeys),
			ratelimit.WithDeny(deny),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per key until the key is evicted
			ratelimit.WithOnFirstDenied(func(key string) {
				L.Warn(ctx, "rate limit triggered", "caller", key)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new callers until idle ones are evicted")
			}),
		)
		a.Use(limiter.Middleware)
	}

	registerRoutes(a, newItemStore())

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), keyReady)
	liveness := health.Fixed(true, "")

	siteStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		API:          a,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Build:        vi,
		MaxBodyBytes: conf.MaxBodyBytes,
		Health:       liveness,
		Readiness:    readiness,
	})
	if err != nil {
		L.Critical(ctx, err, "failed to start api listener", "port", conf.HTTPPort)
		os.Exit(1)
	}

	// the admin port is meant for internal monitoring only; opshttp also
	// rejects public peers in case the network policy is ever misconfigured
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       liveness,
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Critical(ctx, err, "failed to start ops listener", "port", conf.AdminPort)
		_ = siteStop(context.Background())
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stopSignals()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness first so the load balancer stops routing to us
	gate.Set("draining")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(bg, "drain period complete", "drain_delay", conf.DrainDelay)
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, conf.ShutdownTimeout)
	defer cancel()

	if err := siteStop(shutdownCtx); err != nil {
		L.Error(bg, err, "api server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	L.Info(bg, "shutdown complete")
}

// keyProbe fetches the verification key once at startup and returns a
// readiness probe that keeps checking it. A nil source needs no key.
func keyProbe(ctx context.Context, L log.Logger, keys authkey.Source, m *metrics.ServerMetrics) health.Probe {
	if keys == nil {
		return health.Fixed(true, "")
	}
	check := health.CheckFunc(func(ctx context.Context) error {
		_, err := keys.Key(ctx)
		m.SetKeySourceReady(err == nil)
		return err
	})
	p := health.Named("auth key", health.Cached(health.Timeout(check, keyProbeTimeout), keyProbeCache))

	if err := p.Check(ctx); err != nil {
		// sources retry on the next call, readiness stays down until one succeeds
		L.Error(ctx, err, "auth key not available yet")
	} else {
		L.Info(ctx, "auth key loaded")
	}
	return p
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify: write")
	}
	return nil
}
