// Package otelx installs the process-wide OpenTelemetry tracer provider and
// propagator.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/lmlabs-api/internal/version"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// DialTimeout bounds exporter setup. The collector is expected on localhost.
const DialTimeout = 3 * time.Second

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	// Sample is the head sampling ratio for root spans; children follow
	// their parent.
	Sample float64
	// Service defaults to version.AppName.
	Service   string
	Component string
	Version   string
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

func (o Options) serviceName() string {
	name := o.Service
	if name == "" {
		name = version.AppName
	}
	if o.Component != "" {
		name += "." + o.Component
	}
	return name
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Init sets the global tracer provider. When tracing is disabled spans are
// still created, so trace and span ids reach logs and response headers, but
// nothing is exported.
func Init(ctx context.Context, o Options) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagator())

	if !o.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otelx: tracing enabled without an OTLP endpoint")
	}

	name := o.serviceName()
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(name + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otelx: create OTLP exporter for %s", o.Endpoint)
	}

	// partial detector failures still return a usable resource
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
