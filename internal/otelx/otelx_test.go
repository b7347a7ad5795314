package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_DisabledInstallsRecordingProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("spans should carry valid ids so they can be logged")
	}
}

func TestInit_Propagator(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{})
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	got := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		got[f] = true
	}
	for _, want := range []string{"traceparent", "tracestate", "baggage"} {
		if !got[want] {
			t.Errorf("propagator missing %q (fields %v)", want, got)
		}
	}
}

func TestInit_ShutdownIdempotent(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{})
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// the SDK ignores a second shutdown after logging it
	_ = shutdown(context.Background())
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestInit_EnabledDoesNotBlockOnCollector(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:  true,
		Endpoint: "127.0.0.1:1",
		Insecure: true,
		Sample:   1,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if d := time.Since(start); d > DialTimeout+time.Second {
		t.Fatalf("Init took %s", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestServiceName(t *testing.T) {
	tests := []struct {
		o    Options
		want string
	}{
		{Options{}, "lmlabs-api"},
		{Options{Component: "server"}, "lmlabs-api.server"},
		{Options{Service: "edge", Component: "api"}, "edge.api"},
	}
	for _, tt := range tests {
		if got := tt.o.serviceName(); got != tt.want {
			t.Errorf("serviceName(%+v) = %q, want %q", tt.o, got, tt.want)
		}
	}
}
