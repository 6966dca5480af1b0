// Package engine implements gateway.Engine: a name-keyed registry of
// handlers, each pre-wrapped by its interceptors at registration time.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"gateway/internal/gateway"
	"gateway/internal/validator"
)

// BuiltinInputTypes are the scalar type names accepted for injected
// arguments when no schema-specific set is configured.
var BuiltinInputTypes = []string{"String", "Int", "Float", "Boolean", "ID"}

type registration struct {
	name         string
	handler      gateway.Handler
	interceptors int
}

// Engine is the concrete implementation of gateway.Engine.
type Engine struct {
	mu         sync.RWMutex
	handlers   map[string]registration
	sealed     bool
	inputTypes map[string]struct{}
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithInputTypes replaces the set of type names interceptors may inject.
// Names are matched case-sensitively.
func WithInputTypes(names ...string) Option {
	return func(e *Engine) {
		e.inputTypes = make(map[string]struct{}, len(names))
		for _, n := range names {
			e.inputTypes[n] = struct{}{}
		}
	}
}

// NewEngine creates an empty engine.
func NewEngine(logger *zap.Logger, opts ...Option) (*Engine, error) {
	e := Engine{
		handlers: make(map[string]registration),
		logger:   logger,
	}

	if err := validator.Validate("engine", e.logger); err != nil {
		return nil, fmt.Errorf("failed to validate engine deps: %w", err)
	}
	e.logger = e.logger.Named("engine")

	WithInputTypes(BuiltinInputTypes...)(&e)
	for _, opt := range opts {
		opt(&e)
	}

	return &e, nil
}

// Register implements gateway.Engine.Register. Interceptors are applied
// outermost first: interceptors[0] runs before interceptors[1].
func (e *Engine) Register(name string, handler gateway.Handler, interceptors ...gateway.Interceptor) error {
	if name == "" {
		return gateway.ConfigurationError("operation name must not be empty")
	}
	if handler == nil {
		return gateway.ConfigurationError("nil handler").WithOperation(name)
	}

	wrapped, err := e.wrap(name, handler, interceptors)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return gateway.ConfigurationError("engine is sealed, registrations are closed").WithOperation(name)
	}
	if _, ok := e.handlers[name]; ok {
		return gateway.NewError(gateway.ErrDuplicateRegistration, "operation is already registered", nil).WithOperation(name)
	}

	e.handlers[name] = registration{
		name:         name,
		handler:      wrapped,
		interceptors: len(interceptors),
	}

	e.logger.Debug("registered handler", zap.String("operation", name), zap.Int("interceptors", len(interceptors)))
	return nil
}

func (e *Engine) wrap(name string, handler gateway.Handler, interceptors []gateway.Interceptor) (gateway.Handler, error) {
	for i, ic := range interceptors {
		if ic == nil {
			return nil, gateway.ConfigurationError("interceptor %d is nil", i).WithOperation(name)
		}
		inj, ok := ic.(gateway.ArgInjector)
		if !ok {
			continue
		}
		for _, arg := range inj.InjectedArgs() {
			if arg.Name == "" {
				return nil, gateway.ConfigurationError("interceptor %T injects an unnamed argument", ic).WithOperation(name)
			}
			if _, known := e.inputTypes[arg.Type]; !known {
				return nil, gateway.ConfigurationError(
					"interceptor %T injects argument %q of unknown type %q", ic, arg.Name, arg.Type,
				).WithOperation(name)
			}
		}
	}

	h := handler
	for i := len(interceptors) - 1; i >= 0; i-- {
		h = interceptors[i].Wrap(h)
		if h == nil {
			return nil, gateway.ConfigurationError("interceptor %T returned a nil handler", interceptors[i]).WithOperation(name)
		}
	}
	return h, nil
}

// Seal closes the registry. Later Register calls fail with ErrConfiguration.
func (e *Engine) Seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (e *Engine) Sealed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sealed
}

// Has implements gateway.Engine.Has.
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	_, ok := e.handlers[name]
	e.mu.RUnlock()
	return ok
}

// Operations returns the registered names in sorted order.
func (e *Engine) Operations() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.handlers))
	for n := range e.handlers {
		names = append(names, n)
	}
	e.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Resolve implements gateway.Engine.Resolve. A panicking handler is
// recovered and reported as a HandlerFailure.
func (e *Engine) Resolve(ctx context.Context, name string, args gateway.Args) (_ any, err error) {
	e.mu.RLock()
	reg, ok := e.handlers[name]
	e.mu.RUnlock()
	if !ok {
		return nil, gateway.NewError(gateway.ErrUnknownOperation, "no handler registered for operation", nil).WithOperation(name)
	}

	if args == nil {
		args = gateway.Args{}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", zap.String("operation", name), zap.Any("panic", r))
			err = gateway.NewError(gateway.ErrHandlerFailure, "internal error", fmt.Errorf("panic: %v", r)).WithOperation(name)
		}
	}()

	res, err := reg.handler(ctx, args)
	if err != nil {
		ge := gateway.AsError(name, err)
		e.logger.Debug("handler failed", zap.String("operation", name), zap.Error(err))
		return nil, ge
	}

	return res, nil
}
