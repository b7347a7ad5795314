package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/lmlabs-api/internal/version"
)

// ServerMetrics owns a private registry so tests and multiple servers in one
// process never collide on the default registry.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec

	apiErrorsTotal    *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec
	panicTotal        prometheus.Counter

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
	keySourceReady  prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors plus the
// API metrics. Labels are limited to method, route, status and error kind.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		apiErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Errors translated by the error hook, by status and kind",
		}, []string{"status", "kind"}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Rejected credentials by reason",
		}, []string{"reason"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of panics recovered outside the API engine",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		keySourceReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "api_auth_key_ready",
			Help: "Whether the token verification key has been loaded (1) or not (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.apiErrorsTotal,
		m.authFailuresTotal,
		m.panicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
		m.keySourceReady,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the registry for callers that add their own collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.panicTotal.Inc()
}

// ObserveAPIError counts one error the API error hook translated. Its
// signature matches api.ErrorObserver.
func (m *ServerMetrics) ObserveAPIError(status int, kind string) {
	m.apiErrorsTotal.WithLabelValues(strconv.Itoa(status), kind).Inc()
}

func (m *ServerMetrics) IncAuthFailure(reason string) {
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         version.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) SetKeySourceReady(ready bool) {
	m.keySourceReady.Set(boolGauge(ready))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
