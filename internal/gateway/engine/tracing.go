package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"gateway/internal/gateway"
	"gateway/internal/gateway/tracing"
)

// TracedEngine wraps a gateway.Engine with distributed tracing
// Layer order: TracedEngine -> MetricsEngine -> Engine (real thing)
type TracedEngine struct {
	engine gateway.Engine
	tracer *tracing.Tracer
}

// NewTracedEngine creates a new traced engine that wraps a metrics engine
func NewTracedEngine(engine gateway.Engine, tracer *tracing.Tracer) gateway.Engine {
	return &TracedEngine{
		engine: engine,
		tracer: tracer,
	}
}

// Register implements gateway.Engine.Register. Registration happens once at
// startup and is not traced.
func (e *TracedEngine) Register(name string, handler gateway.Handler, interceptors ...gateway.Interceptor) error {
	return e.engine.Register(name, handler, interceptors...)
}

// Resolve implements gateway.Engine.Resolve with distributed tracing. The
// span travels in ctx so handler-side publishes become child spans.
func (e *TracedEngine) Resolve(ctx context.Context, name string, args gateway.Args) (any, error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.resolve")
	span.SetAttributes(e.tracer.OperationAttributes(name, len(args))...)

	res, err := e.engine.Resolve(ctx, name, args)

	if code, ok := gateway.CodeOf(err); ok {
		span.SetAttributes(attribute.String("gateway.error_code", code))
	}
	e.tracer.End(span, err)

	return res, err
}

// Has implements gateway.Engine.Has
func (e *TracedEngine) Has(name string) bool {
	return e.engine.Has(name)
}
