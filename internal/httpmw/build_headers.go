package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BuildInfo reports what build is answering requests.
type BuildInfo interface {
	BuildVersion() string
	BuildCommit() string
}

// BuildHeaders adds X-Api-Version and X-Api-Commit to every response and
// tags the active span with the same values.
func BuildHeaders(info BuildInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		version, commit := info.BuildVersion(), shortCommit(info.BuildCommit())

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if version != "" {
				w.Header().Set("X-Api-Version", version)
			}
			if commit != "" {
				w.Header().Set("X-Api-Commit", commit)
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(
					attribute.String("service.version", version),
					attribute.String("vcs.commit", commit),
				)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
