package health

import (
	"encoding/json"
	"net/http"
)

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Handler answers 200 {"status":okStatus} when p passes and
// 503 {"status":"unavailable","reason":...} when it fails. A nil probe passes.
func Handler(p Probe, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, body := http.StatusOK, status{Status: okStatus}
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				code, body = http.StatusServiceUnavailable, status{Status: "unavailable", Reason: err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Liveness serves /-/healthy.
func Liveness(p Probe) http.HandlerFunc { return Handler(p, "ok") }

// Readiness serves /-/ready.
func Readiness(p Probe) http.HandlerFunc { return Handler(p, "ready") }
