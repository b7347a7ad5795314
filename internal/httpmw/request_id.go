package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// maxRequestIDLen bounds inbound IDs we are willing to echo and log.
const maxRequestIDLen = 128

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID propagates a well-formed inbound request ID header or mints a
// UUIDv4, stores it in the context and echoes it on the response.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = "X-Request-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = uuid.NewString()
			}

			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// validRequestID accepts short IDs of visible ASCII only, which keeps
// forged newlines and control bytes out of headers and logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
