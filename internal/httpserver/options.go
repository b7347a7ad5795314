package httpserver

import (
	"net/http"

	"github.com/keithlinneman/lmlabs-api/internal/health"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
	"github.com/keithlinneman/lmlabs-api/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// API serves everything except the probe routes, normally the *api.API.
	API http.Handler

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	// Build sets X-Api-Version and X-Api-Commit when non-nil.
	Build httpmw.BuildInfo
	// MaxBodyBytes caps request bodies; zero or less disables the cap.
	MaxBodyBytes int64

	// Health and Readiness are mirrored on the public listener for load
	// balancers that cannot reach the ops port. nil leaves the route to API.
	Health    health.Probe
	Readiness health.Probe
}
