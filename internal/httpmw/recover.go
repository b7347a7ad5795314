package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Recover is the last line of defence for panics that escape the engine
// (the engine recovers its own handlers). It logs the panic, calls onPanic
// if set, and answers 500 with the API error body shape.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", v)
				}
				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), xerrors.WithStack(err), "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"title":"Internal Server Error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
