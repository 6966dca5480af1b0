// Package interceptor provides composable gateway.Interceptor values: the
// @log field interceptor and helpers to build and chain others.
package interceptor

import "gateway/internal/gateway"

// Func adapts a plain wrap function to gateway.Interceptor.
type Func func(next gateway.Handler) gateway.Handler

// Wrap implements gateway.Interceptor.
func (f Func) Wrap(next gateway.Handler) gateway.Handler {
	return f(next)
}

// chain composes interceptors into one, outermost first.
type chain []gateway.Interceptor

// Chain returns a single interceptor that applies ics in order: ics[0] is
// the outermost layer. Injected arguments of every member are declared.
func Chain(ics ...gateway.Interceptor) gateway.Interceptor {
	return chain(ics)
}

func (c chain) Wrap(next gateway.Handler) gateway.Handler {
	h := next
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] == nil {
			return nil
		}
		h = c[i].Wrap(h)
	}
	return h
}

func (c chain) InjectedArgs() []gateway.ArgSpec {
	var out []gateway.ArgSpec
	for _, ic := range c {
		if inj, ok := ic.(gateway.ArgInjector); ok {
			out = append(out, inj.InjectedArgs()...)
		}
	}
	return out
}
