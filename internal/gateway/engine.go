package gateway

import "context"

// Args holds the arguments of a single operation invocation.
type Args map[string]any

// Without returns a copy of a that omits the named keys.
func (a Args) Without(names ...string) Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	for _, n := range names {
		delete(out, n)
	}
	return out
}

// String returns the named argument when it is a string.
func (a Args) String(name string) (string, bool) {
	s, ok := a[name].(string)
	return s, ok
}

// Handler resolves one named operation. Subscription handlers return a
// Subscription as their result.
type Handler func(ctx context.Context, args Args) (any, error)

// Interceptor wraps a Handler with cross-cutting behavior. Wrap must return
// a handler that forwards to next exactly once on every path.
type Interceptor interface {
	Wrap(next Handler) Handler
}

// ArgSpec describes an argument an interceptor adds to the field it wraps.
type ArgSpec struct {
	Name string
	Type string
}

// ArgInjector is implemented by interceptors that consume an extra
// argument. The engine checks the declared types when registering.
type ArgInjector interface {
	InjectedArgs() []ArgSpec
}

// Engine dispatches named operations to registered handlers.
type Engine interface {
	// Register binds name to handler wrapped by interceptors, outermost first.
	// Returns ErrDuplicateRegistration if name is taken and ErrConfiguration
	// if the handler or its interceptors are unusable.
	Register(name string, handler Handler, interceptors ...Interceptor) error

	// Resolve invokes the handler bound to name. Unknown names fail with
	// ErrUnknownOperation; handler failures are returned as *Error tagged
	// with name.
	Resolve(ctx context.Context, name string, args Args) (any, error)

	// Has reports whether name is bound.
	Has(name string) bool
}

type sourceKey struct{}

// WithSource attaches the parent object of a field resolution to ctx.
func WithSource(ctx context.Context, src any) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFromContext returns the parent object attached by WithSource.
func SourceFromContext(ctx context.Context) any {
	return ctx.Value(sourceKey{})
}
