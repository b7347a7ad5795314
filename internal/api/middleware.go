package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
	"github.com/keithlinneman/lmlabs-api/internal/router"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

const (
	TitleRequestLogger  = "RequestLogger"
	TitleResponseLogger = "ResponseLogger"
	TitleErrorLogger    = "ErrorLogger"

	titleUnexpected = "Unexpected error"
)

// RequestLogger logs every inbound request at INFO and passes it on untouched.
func RequestLogger(sink Sink) router.RequestMiddleware {
	return func(ctx context.Context, req *router.Request) *router.Request {
		sink.Log(ctx, Record{
			Level: LevelInfo,
			Title: TitleRequestLogger,
			Fields: map[string]any{
				"method":  req.Method,
				"user":    req.Auth.CanonicalID,
				"path":    req.Path,
				"headers": loggedHeaders(req.Headers),
			},
		})
		return req
	}
}

// credentialHeaders are masked in logged copies of request headers.
var credentialHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"X-Api-Key":           {},
}

const redacted = "[REDACTED]"

// loggedHeaders copies h with credential values masked. The request itself
// is left untouched.
func loggedHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := credentialHeaders[http.CanonicalHeaderKey(k)]; ok {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// ResponseLogger logs the status of every outbound response at INFO.
func ResponseLogger(sink Sink) router.ResponseMiddleware {
	return func(ctx context.Context, _ *router.Request, resp *router.Response) *router.Response {
		sink.Log(ctx, Record{
			Level:  LevelInfo,
			Title:  TitleResponseLogger,
			Fields: map[string]any{"statusCode": resp.StatusCode},
		})
		return resp
	}
}

// ErrorObserver is told about every response the error middleware builds.
type ErrorObserver func(status int, kind string)

// ErrorLogger maps a thrown value onto a response.
//
// The internal variant is checked first: it logs at ERROR with its cause and
// answers 500 with a generic title. Any other apierr.Error logs at INFO and
// answers with its own status and title. Everything else logs at CRITICAL
// and answers 500 "Unexpected error" with the message and stack.
func ErrorLogger(sink Sink, observe ErrorObserver) router.ErrorMiddleware {
	if observe == nil {
		observe = func(int, string) {}
	}
	return func(ctx context.Context, _ *router.Request, thrown any) *router.Response {
		if ae, ok := apierr.As(thrown); ok {
			if ae.IsInternal() {
				sink.Log(ctx, Record{
					Level: LevelError,
					Title: TitleErrorLogger,
					Fields: map[string]any{
						"details":    ae.Details,
						"statusCode": http.StatusInternalServerError,
						"message":    ae.Title,
					},
					Err: ae,
				})
				observe(http.StatusInternalServerError, string(ae.Kind))
				return &router.Response{
					StatusCode: http.StatusInternalServerError,
					Body:       errorBody{Details: ae.Details, Title: ae.PublicTitle()},
				}
			}

			status := apierr.ValidStatus(ae.Status)
			sink.Log(ctx, Record{
				Level: LevelInfo,
				Title: TitleErrorLogger,
				Fields: map[string]any{
					"details":    ae.Details,
					"statusCode": status,
				},
			})
			observe(status, string(ae.Kind))
			return &router.Response{
				StatusCode: status,
				Body:       errorBody{Details: ae.Details, Title: ae.Title},
			}
		}

		err := thrownError(thrown)
		message := err.Error()
		stack := xerrors.Stack(err)
		sink.Log(ctx, Record{
			Level: LevelCritical,
			Title: TitleErrorLogger,
			Fields: map[string]any{
				"message": message,
				"stack":   stack,
			},
			Err: err,
		})
		observe(http.StatusInternalServerError, "unexpected")
		return &router.Response{
			StatusCode: http.StatusInternalServerError,
			Body: errorBody{
				Title:   titleUnexpected,
				Details: unexpectedDetails{Message: message, Stack: stack},
			},
		}
	}
}

type errorBody struct {
	Details any    `json:"details"`
	Title   string `json:"title"`
}

type unexpectedDetails struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func thrownError(v any) error {
	switch x := v.(type) {
	case error:
		if x != nil {
			return x
		}
	case string:
		return errors.New(x)
	case nil:
		return errors.New("nil error")
	}
	return fmt.Errorf("%v", v)
}
