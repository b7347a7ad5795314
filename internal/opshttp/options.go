package opshttp

import (
	"net/http"

	"github.com/keithlinneman/lmlabs-api/internal/health"
)

type Options struct {
	// Port defaults to 9000.
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic serves ops endpoints to public addresses. Off by default.
	AllowPublic  bool
	UseRecoverMW bool
	// OnPanic is called for every panic the recover middleware catches.
	OnPanic func()
}
