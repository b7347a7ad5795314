package api

import (
	"github.com/keithlinneman/lmlabs-api/internal/router"
)

// API is the router engine with request, response and error logging wired in.
// Everything else (routes, Use, ServeHTTP, Invoke) is the engine's own surface.
type API struct {
	*router.Engine

	sink Sink
}

type Option func(*config)

type config struct {
	observe    ErrorObserver
	engineOpts []router.Option
}

// WithErrorObserver registers a callback for every error response, e.g. to
// count them by status and kind.
func WithErrorObserver(fn ErrorObserver) Option {
	return func(c *config) { c.observe = fn }
}

// WithEngineOptions passes options through to router.New.
func WithEngineOptions(opts ...router.Option) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, opts...) }
}

// New builds the engine and registers the three middlewares against it.
// A nil sink drops every record.
func New(sink Sink, opts ...Option) *API {
	if sink == nil {
		sink = SinkFunc(nopSink)
	}
	var c config
	for _, o := range opts {
		o(&c)
	}

	e := router.New(c.engineOpts...)
	e.RequestMiddleware(RequestLogger(sink))
	e.ResponseMiddleware(ResponseLogger(sink))
	e.ErrorMiddleware(ErrorLogger(sink, c.observe))

	return &API{Engine: e, sink: sink}
}

// Sink returns the sink records are written to.
func (a *API) Sink() Sink { return a.sink }
