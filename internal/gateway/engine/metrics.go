package engine

import (
	"context"
	"errors"
	"time"

	"gateway/internal/gateway"
	"gateway/internal/gateway/metrics"
)

// MetricsEngine wraps a gateway.Engine with metrics collection
type MetricsEngine struct {
	engine   gateway.Engine
	registry *metrics.Registry
}

// NewMetricsEngine creates a new instrumented engine
func NewMetricsEngine(engine gateway.Engine, registry *metrics.Registry) gateway.Engine {
	return &MetricsEngine{
		engine:   engine,
		registry: registry,
	}
}

// Register implements gateway.Engine.Register with metrics collection
func (e *MetricsEngine) Register(name string, handler gateway.Handler, interceptors ...gateway.Interceptor) error {
	err := e.engine.Register(name, handler, interceptors...)

	switch {
	case err == nil:
		e.registry.RecordRegistration("success")
	case errors.Is(err, gateway.ErrDuplicateRegistration):
		e.registry.RecordRegistration("duplicate")
	default:
		e.registry.RecordRegistration("invalid")
	}

	return err
}

// Resolve implements gateway.Engine.Resolve with metrics collection.
// Unknown operations are recorded under a single label to bound cardinality.
func (e *MetricsEngine) Resolve(ctx context.Context, name string, args gateway.Args) (any, error) {
	start := time.Now()

	res, err := e.engine.Resolve(ctx, name, args)
	duration := time.Since(start)

	label := name
	if errors.Is(err, gateway.ErrUnknownOperation) {
		label = "unknown"
	}
	code, _ := gateway.CodeOf(err)
	e.registry.RecordResolve(label, duration, code, err)

	return res, err
}

// Has implements gateway.Engine.Has
func (e *MetricsEngine) Has(name string) bool {
	return e.engine.Has(name)
}
