// Package obstrace wires go.opentelemetry.io/otel, narrowed to the three
// spans this runtime names: the session handshake/sign path, the REST
// round trip, and the gateway request/response correlation.
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the SDK tracer provider for this service.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New constructs a tracer provider tagged with the vinbridge service name,
// installs it as the global provider, and returns it for shutdown.
func New(ctx context.Context) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("vinbridge")))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns a named tracer, e.g. obstrace.Tracer("session") for the
// session manager's handshake/sign spans.
func Tracer(name string) trace.Tracer { return otel.Tracer("vinbridge/" + name) }

// Shutdown flushes and stops the tracer provider, part of the runtime's
// graceful shutdown sequence.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
