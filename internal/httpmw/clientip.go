package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of this server.
	// 0 ignores X-Forwarded-For entirely, 1 takes the rightmost entry (one
	// ALB), 2 the second from the right (CDN + ALB), and so on.
	TrustedHops int
}

// ClientIP resolves the caller's address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the caller's address and stores it in the
// context for the rate limiter and logger.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// extractRealClientAddr trusts X-Forwarded-For only when the peer is a
// private address and proxies are configured. Whenever the header is not
// trusted it is removed, along with X-Forwarded-Proto, so nothing downstream
// can read a forged value.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}

	if !ip.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r)
		return peer
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than proxies: misconfigured or forged, fail closed
		stripForwarded(r)
		return peer
	}
	if candidate := strings.TrimSpace(parts[idx]); net.ParseIP(candidate) != nil {
		return candidate
	}
	return peer
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
