package opshttp

import (
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/keithlinneman/lmlabs-api/internal/log"
)

// RegisterPprof mounts the runtime profiling handlers under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// requireNonPublicNetwork answers 403 to peers outside loopback, private and
// link-local ranges. It reads RemoteAddr only; the ops listener is never
// behind a proxy so forwarded headers are ignored.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !nonPublic(ip) {
			L.Warn(r.Context(), "ops request from public address rejected",
				"network.peer.address", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublic(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
