package httpmw

import "net/http"

// CSRF protection is not applicable: callers authenticate with a bearer token
// in the Authorization header, never with cookies.

// SecurityHeaders sets response headers suited to a JSON API that is never
// rendered as a document.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// nothing in a JSON response should ever load or execute
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		// responses are per-caller; keep them out of shared caches
		if h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
