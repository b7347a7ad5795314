package router

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/auth"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Request is the read-only view of an inbound call handed to hooks and handlers.
type Request struct {
	Method string
	Path   string
	// Route is the matched chi pattern, e.g. /v1/items/{id}. Empty when nothing matched.
	Route      string
	Headers    map[string]string
	PathParams map[string]string
	Query      url.Values
	Body       []byte
	Auth       auth.Context
	RequestID  string

	raw *http.Request
}

// HTTPRequest returns the underlying *http.Request.
func (r *Request) HTTPRequest() *http.Request { return r.raw }

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.Headers[http.CanonicalHeaderKey(name)]
}

// Param returns a path parameter, or "" if the route has none by that name.
func (r *Request) Param(name string) string {
	return r.PathParams[name]
}

func (e *Engine) newRequest(r *http.Request) (*Request, error) {
	req := &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    make(map[string]string, len(r.Header)),
		PathParams: map[string]string{},
		Query:      r.URL.Query(),
		Auth:       auth.FromContext(r.Context()),
		RequestID:  e.requestID(r.Context()),
		raw:        r,
	}
	for k, v := range r.Header {
		req.Headers[http.CanonicalHeaderKey(k)] = strings.Join(v, ",")
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		req.Route = rc.RoutePattern()
		for i, k := range rc.URLParams.Keys {
			if i >= len(rc.URLParams.Values) {
				break
			}
			// chi leaves an emptied "*" behind when a router is mounted
			if k == "*" && rc.URLParams.Values[i] == "" {
				continue
			}
			req.PathParams[k] = rc.URLParams.Values[i]
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	body := r.Body
	if e.maxBody > 0 {
		body = http.MaxBytesReader(nil, r.Body, e.maxBody)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return req, apierr.PayloadTooLarge("Request body too large", map[string]any{"limit": mbe.Limit})
		}
		return req, apierr.BadRequest("Unreadable request body", map[string]any{"reason": xerrors.Wrap(err, "read body").Error()})
	}
	req.Body = b
	return req, nil
}
