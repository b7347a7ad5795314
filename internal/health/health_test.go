package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func check(t *testing.T, p Probe) error {
	t.Helper()
	return p.Check(context.Background())
}

// probes

func TestFixed(t *testing.T) {
	if err := check(t, Fixed(true, "ignored")); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := check(t, Fixed(false, "key not loaded")); err == nil || err.Error() != "key not loaded" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := check(t, Fixed(false, "")); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	var calledAfterFailure bool
	p := All(
		Fixed(true, ""),
		nil,
		Fixed(false, "first"),
		CheckFunc(func(context.Context) error { calledAfterFailure = true; return nil }),
	)
	if err := check(t, p); err == nil || err.Error() != "first" {
		t.Fatalf("All = %v, want first", err)
	}
	if calledAfterFailure {
		t.Fatal("All should stop at the first failure")
	}
	if err := check(t, All()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
}

func TestAny(t *testing.T) {
	if err := check(t, Any(Fixed(false, "a"), Fixed(true, ""))); err != nil {
		t.Fatalf("Any with one pass = %v", err)
	}
	if err := check(t, Any(Fixed(false, "a"), Fixed(false, "b"))); err == nil || err.Error() != "b" {
		t.Fatalf("Any all failing = %v, want last error", err)
	}
	if err := check(t, Any(nil)); err == nil || !strings.Contains(err.Error(), "no healthy probes") {
		t.Fatalf("Any(nil) = %v", err)
	}
}

func TestTimeout(t *testing.T) {
	slow := CheckFunc(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			// ignore cancellation to prove Timeout does not wait on it
			time.Sleep(50 * time.Millisecond)
			return nil
		}
	})
	start := time.Now()
	err := check(t, Timeout(slow, 20*time.Millisecond))
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Timeout = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Timeout should return promptly")
	}

	if err := check(t, Timeout(Fixed(false, "boom"), time.Second)); err == nil || err.Error() != "boom" {
		t.Fatalf("fast failure = %v", err)
	}
	if err := check(t, Timeout(nil, time.Second)); err != nil {
		t.Fatalf("nil probe = %v", err)
	}
}

func TestNamed(t *testing.T) {
	err := check(t, Named("auth_key", Fixed(false, "parameter not found")))
	if err == nil || err.Error() != "auth_key: parameter not found" {
		t.Fatalf("Named = %v", err)
	}
	if err := check(t, Named("x", Fixed(true, ""))); err != nil {
		t.Fatalf("passing probe = %v", err)
	}
	if err := check(t, Named("x", nil)); err != nil {
		t.Fatalf("nil probe = %v", err)
	}
}

func TestCached(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)
	inner := CheckFunc(func(context.Context) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	})

	p := Cached(inner, time.Hour)
	for i := 0; i < 3; i++ {
		if err := check(t, p); err == nil {
			t.Fatal("cached failure should be returned")
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 within ttl", calls.Load())
	}

	fail.Store(false)
	short := Cached(inner, time.Nanosecond)
	_ = check(t, short)
	time.Sleep(time.Millisecond)
	if err := check(t, short); err != nil {
		t.Fatalf("expired cache should re-check, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := check(t, p); err != nil || g.Draining() {
		t.Fatalf("fresh gate = %v draining = %v", err, g.Draining())
	}

	g.Set("shutting down")
	if err := check(t, p); err == nil || err.Error() != "shutting down" {
		t.Fatalf("after Set = %v", err)
	}

	g.Set("")
	if err := check(t, p); err == nil || err.Error() != "draining" {
		t.Fatalf("empty reason = %v", err)
	}

	g.Clear()
	if err := check(t, p); err != nil {
		t.Fatalf("after Clear = %v", err)
	}
}

// handlers

func serve(t *testing.T, h http.Handler) (int, status, http.Header) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	var body status
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body, rec.Header()
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.Handler
		wantCode int
		want     status
	}{
		{"liveness ok", Liveness(Fixed(true, "")), 200, status{Status: "ok"}},
		{"readiness ok", Readiness(nil), 200, status{Status: "ready"}},
		{"readiness failing", Readiness(Fixed(false, "auth key: not loaded")), 503, status{Status: "unavailable", Reason: "auth key: not loaded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body, hdr := serve(t, tt.h)
			if code != tt.wantCode || body != tt.want {
				t.Fatalf("got %d %+v, want %d %+v", code, body, tt.wantCode, tt.want)
			}
			if !strings.HasPrefix(hdr.Get("Content-Type"), "application/json") {
				t.Fatalf("Content-Type = %q", hdr.Get("Content-Type"))
			}
		})
	}
}

func TestHandler_EvaluatesPerRequestWithRequestContext(t *testing.T) {
	type key struct{}
	var healthy atomic.Bool
	healthy.Store(true)
	var sawValue bool

	h := Readiness(CheckFunc(func(ctx context.Context) error {
		sawValue = ctx.Value(key{}) == "v"
		if !healthy.Load() {
			return errors.New("flipped")
		}
		return nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), key{}, "v"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !sawValue {
		t.Fatalf("code = %d sawValue = %v", rec.Code, sawValue)
	}

	healthy.Store(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after flip code = %d", rec.Code)
	}
}
