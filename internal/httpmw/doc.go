// Package httpmw provides the net/http middleware that wraps the API engine.
//
// httpserver.NewHandler composes it outermost first: security headers,
// panic recovery, request ID, client IP, rate limiting, OTEL tracing, trace
// and build headers, metrics, request-scoped logging, then the authorizer and
// the engine itself.
//
// Logs carry request metadata only. Query strings, bodies and user-agent are
// left out; the API layer decides what about a request is worth recording.
package httpmw
