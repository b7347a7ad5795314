package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/httpmw"
	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Response is what a handler (or the error hook) produces. A nil Body writes
// no payload; anything else is JSON encoded unless it is already []byte.
type Response struct {
	StatusCode int
	Body       any
	Headers    map[string]string
}

// HandlerFunc serves one route. Returning a non-nil error hands the request to
// the error hook; returning (nil, nil) answers 204.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// RequestMiddleware runs before the handler and returns the request to continue with.
type RequestMiddleware func(ctx context.Context, req *Request) *Request

// ResponseMiddleware runs after the handler, on success and failure alike.
type ResponseMiddleware func(ctx context.Context, req *Request, resp *Response) *Response

// ErrorMiddleware turns a failure into a response. thrown is whatever the
// handler returned or panicked with.
type ErrorMiddleware func(ctx context.Context, req *Request, thrown any) *Response

type hooks struct {
	request  []RequestMiddleware
	response []ResponseMiddleware
	err      ErrorMiddleware
}

// Engine routes requests with chi and runs every matched route through the
// request, error and response hooks.
type Engine struct {
	mux   chi.Router
	hooks *hooks

	maxBody   int64
	requestID func(context.Context) string
}

type Option func(*Engine)

// WithMaxBody bounds how much of a request body is read. Larger bodies fail
// with 413 through the error hook.
func WithMaxBody(n int64) Option {
	return func(e *Engine) { e.maxBody = n }
}

// WithRequestIDFunc overrides where Request.RequestID comes from.
func WithRequestIDFunc(fn func(context.Context) string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.requestID = fn
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		mux:       chi.NewRouter(),
		hooks:     &hooks{},
		requestID: httpmw.RequestIDFromContext,
	}
	for _, o := range opts {
		o(e)
	}

	// unmatched paths go through the same hooks as real routes
	e.mux.NotFound(e.adapt(func(_ context.Context, req *Request) (*Response, error) {
		return nil, apierr.NotFound("Not Found", map[string]any{"path": req.Path})
	}))
	e.mux.MethodNotAllowed(e.adapt(func(_ context.Context, req *Request) (*Response, error) {
		return nil, apierr.MethodNotAllowed("Method Not Allowed", map[string]any{"method": req.Method, "path": req.Path})
	}))
	return e
}

// RequestMiddleware appends a request hook. Hooks run in registration order.
func (e *Engine) RequestMiddleware(mw RequestMiddleware) {
	if mw != nil {
		e.hooks.request = append(e.hooks.request, mw)
	}
}

// ResponseMiddleware appends a response hook. Hooks run in registration order.
func (e *Engine) ResponseMiddleware(mw ResponseMiddleware) {
	if mw != nil {
		e.hooks.response = append(e.hooks.response, mw)
	}
}

// ErrorMiddleware sets the error hook. There is only one; the last call wins.
func (e *Engine) ErrorMiddleware(mw ErrorMiddleware) {
	e.hooks.err = mw
}

// Use adds net/http middleware around the routes. Like chi, it must be called
// before any route is registered on this engine.
func (e *Engine) Use(mws ...func(http.Handler) http.Handler) {
	e.mux.Use(mws...)
}

// With returns an engine whose routes get the extra net/http middleware.
func (e *Engine) With(mws ...func(http.Handler) http.Handler) *Engine {
	return e.sub(e.mux.With(mws...))
}

// Route mounts a sub-engine under pattern. Hooks are shared with the parent.
func (e *Engine) Route(pattern string, fn func(*Engine)) {
	e.mux.Route(pattern, func(r chi.Router) { fn(e.sub(r)) })
}

// Group registers routes that share net/http middleware without a prefix.
func (e *Engine) Group(fn func(*Engine)) {
	e.mux.Group(func(r chi.Router) { fn(e.sub(r)) })
}

func (e *Engine) sub(r chi.Router) *Engine {
	return &Engine{mux: r, hooks: e.hooks, maxBody: e.maxBody, requestID: e.requestID}
}

func (e *Engine) Handle(method, pattern string, h HandlerFunc) {
	e.mux.Method(method, pattern, e.adapt(h))
}

func (e *Engine) Get(pattern string, h HandlerFunc)    { e.Handle(http.MethodGet, pattern, h) }
func (e *Engine) Post(pattern string, h HandlerFunc)   { e.Handle(http.MethodPost, pattern, h) }
func (e *Engine) Put(pattern string, h HandlerFunc)    { e.Handle(http.MethodPut, pattern, h) }
func (e *Engine) Patch(pattern string, h HandlerFunc)  { e.Handle(http.MethodPatch, pattern, h) }
func (e *Engine) Delete(pattern string, h HandlerFunc) { e.Handle(http.MethodDelete, pattern, h) }

// Router exposes the chi router for plain http.Handler mounts.
func (e *Engine) Router() chi.Router { return e.mux }

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mux.ServeHTTP(w, r)
}

// Fail answers r with thrown run through all three hook chains. It is meant
// for net/http middleware (auth, rate limits) that rejects a request before
// it reaches a route.
func (e *Engine) Fail(w http.ResponseWriter, r *http.Request, thrown any) {
	ctx := r.Context()
	req, _ := e.newRequest(r)
	req, hookPanic := e.runRequest(ctx, req)
	if err, ok := hookPanic.(error); ok {
		// the rejection stands, the broken hook is only logged
		log.FromContext(ctx).Error(ctx, err, "request middleware panicked")
	}
	resp := e.runResponse(ctx, req, e.handleError(ctx, req, thrown))
	e.write(ctx, w, resp)
}

type invokeKey struct{}

// Invoke routes r and returns the response the hooks produced without writing
// it anywhere.
func (e *Engine) Invoke(ctx context.Context, r *http.Request) *Response {
	var out *Response
	cw := &captureWriter{header: http.Header{}}
	e.mux.ServeHTTP(cw, r.WithContext(context.WithValue(ctx, invokeKey{}, &out)))
	if out != nil {
		return out
	}

	// plain net/http middleware answered before a route was reached
	resp := &Response{StatusCode: cw.status, Headers: map[string]string{}}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	for k := range cw.header {
		resp.Headers[k] = cw.header.Get(k)
	}
	if cw.body.Len() > 0 {
		resp.Body = json.RawMessage(cw.body.Bytes())
	}
	return resp
}

func (e *Engine) adapt(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := e.dispatch(ctx, r, h)
		if out, ok := ctx.Value(invokeKey{}).(**Response); ok && out != nil {
			*out = resp
			return
		}
		e.write(ctx, w, resp)
	}
}

func (e *Engine) dispatch(ctx context.Context, r *http.Request, h HandlerFunc) *Response {
	req, bodyErr := e.newRequest(r)
	req, thrown := e.runRequest(ctx, req)
	if thrown == nil && bodyErr != nil {
		thrown = bodyErr
	}

	var resp *Response
	if thrown == nil {
		resp, thrown = e.call(ctx, req, h)
	}
	if thrown != nil {
		resp = e.handleError(ctx, req, thrown)
	} else if resp == nil {
		resp = &Response{StatusCode: http.StatusNoContent}
	}
	return e.runResponse(ctx, req, resp)
}

// runRequest passes req through the request hooks. Every request gets this
// pass, including ones rejected before a handler runs. A panicking hook is
// returned as thrown along with the last request it was handed.
func (e *Engine) runRequest(ctx context.Context, req *Request) (out *Request, thrown any) {
	out = req
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			thrown = &PanicError{Value: v, pcs: xerrors.Callers(1)}
		}
	}()

	for _, mw := range e.hooks.request {
		if next := mw(ctx, out); next != nil {
			out = next
		}
	}
	return out, nil
}

// call runs the handler. Panics are returned as thrown.
func (e *Engine) call(ctx context.Context, req *Request, h HandlerFunc) (resp *Response, thrown any) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			thrown = &PanicError{Value: v, pcs: xerrors.Callers(1)}
		}
	}()

	resp, err := h(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) handleError(ctx context.Context, req *Request, thrown any) (resp *Response) {
	if e.hooks.err == nil {
		return defaultErrorResponse()
	}
	defer func() {
		if v := recover(); v != nil {
			log.FromContext(ctx).Error(ctx, fmt.Errorf("panic: %v", v), "error middleware panicked")
			resp = defaultErrorResponse()
		}
	}()
	if resp = e.hooks.err(ctx, req, thrown); resp == nil {
		resp = defaultErrorResponse()
	}
	return resp
}

func (e *Engine) runResponse(ctx context.Context, req *Request, resp *Response) *Response {
	for _, mw := range e.hooks.response {
		if next := mw(ctx, req, resp); next != nil {
			resp = next
		}
	}
	return resp
}

func defaultErrorResponse() *Response {
	return &Response{
		StatusCode: http.StatusInternalServerError,
		Body:       map[string]any{"title": http.StatusText(http.StatusInternalServerError)},
	}
}

func (e *Engine) write(ctx context.Context, w http.ResponseWriter, resp *Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	switch body := resp.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case []byte:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	default:
		b, err := json.Marshal(body)
		if err != nil {
			log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(append(b, '\n'))
	}
}

// PanicError carries a value recovered from a handler along with the stack
// of the panic site.
type PanicError struct {
	Value any
	pcs   []uintptr
}

func (p *PanicError) Error() string {
	if err, ok := p.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(p.Value)
}

// Unwrap lets errors.As find typed errors that were panicked with.
func (p *PanicError) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

func (p *PanicError) StackPCs() []uintptr { return p.pcs }

type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}
