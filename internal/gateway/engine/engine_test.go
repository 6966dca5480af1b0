package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gateway/internal/gateway"
	"gateway/internal/gateway/bus"
	"gateway/internal/gateway/interceptor"
	"gateway/internal/gateway/metrics"
	"gateway/internal/gateway/tracing"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(zap.NewNop(), opts...)
	require.NoError(t, err)
	return e
}

func constant(v any) gateway.Handler {
	return func(context.Context, gateway.Args) (any, error) { return v, nil }
}

func TestResolve(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Register("echo", func(_ context.Context, args gateway.Args) (any, error) {
		return args["task"], nil
	}))

	res, err := e.Resolve(context.Background(), "echo", gateway.Args{"task": "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "buy milk", res)

	// nil args reach the handler as an empty map
	res, err = e.Resolve(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestResolveUnknownOperation(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	require.NoError(t, e.Register("known", func(context.Context, gateway.Args) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	_, err := e.Resolve(context.Background(), "unknownOp", nil)
	require.ErrorIs(t, err, gateway.ErrUnknownOperation)
	assert.Contains(t, err.Error(), "unknownOp")
	assert.Zero(t, calls.Load())

	code, ok := gateway.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeUnknownOperation, code)
}

func TestRegisterDuplicate(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Register("me", constant("first")))
	err := e.Register("me", constant("second"))
	require.ErrorIs(t, err, gateway.ErrDuplicateRegistration)
	assert.Contains(t, err.Error(), "me")

	res, err := e.Resolve(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res, "second registration must have no effect")
}

func TestRegisterConfigurationErrors(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name         string
		op           string
		handler      gateway.Handler
		interceptors []gateway.Interceptor
	}{
		{name: "empty name", op: "", handler: constant(1)},
		{name: "nil handler", op: "op"},
		{name: "nil interceptor", op: "op", handler: constant(1), interceptors: []gateway.Interceptor{nil}},
		{
			name:    "miscased injected type",
			op:      "User.id",
			handler: constant(1),
			interceptors: []gateway.Interceptor{
				interceptor.NewLog(logger, "User.id", interceptor.LogConfig{ArgType: "GraphqlString"}),
			},
		},
		{
			name:    "interceptor returning nil",
			op:      "op",
			handler: constant(1),
			interceptors: []gateway.Interceptor{
				interceptor.Func(func(gateway.Handler) gateway.Handler { return nil }),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			err := e.Register(tt.op, tt.handler, tt.interceptors...)
			require.ErrorIs(t, err, gateway.ErrConfiguration)
			if tt.op != "" {
				assert.False(t, e.Has(tt.op))
			}
		})
	}
}

func TestWithInputTypes(t *testing.T) {
	log := interceptor.NewLog(zap.NewNop(), "f", interceptor.LogConfig{ArgType: "Message"})

	require.ErrorIs(t, newTestEngine(t).Register("f", constant(1), log), gateway.ErrConfiguration)
	require.NoError(t, newTestEngine(t, WithInputTypes("String", "Message")).Register("f", constant(1), log))
}

func TestSeal(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Register("a", constant(1)))

	e.Seal()
	assert.True(t, e.Sealed())

	require.ErrorIs(t, e.Register("b", constant(2)), gateway.ErrConfiguration)
	assert.Equal(t, []string{"a"}, e.Operations())
}

func TestHandlerFailure(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Register("User.error", func(context.Context, gateway.Args) (any, error) {
		return nil, gateway.UserInputError("wrong fields")
	}))
	require.NoError(t, e.Register("plain", func(context.Context, gateway.Args) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, e.Register("me", constant("coder12")))

	_, err := e.Resolve(context.Background(), "User.error", nil)
	require.ErrorIs(t, err, gateway.ErrHandlerFailure)
	var ge *gateway.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "User.error", ge.Operation)
	assert.Equal(t, "wrong fields", ge.Message)
	assert.Equal(t, gateway.CodeBadUserInput, ge.Code)

	_, err = e.Resolve(context.Background(), "plain", nil)
	require.ErrorIs(t, err, gateway.ErrHandlerFailure)
	assert.Equal(t, "plain: boom", err.Error())

	// still usable
	res, err := e.Resolve(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, "coder12", res)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Register("explode", func(context.Context, gateway.Args) (any, error) {
		panic("kaboom")
	}))

	_, err := e.Resolve(context.Background(), "explode", nil)
	require.ErrorIs(t, err, gateway.ErrHandlerFailure)
	assert.NotContains(t, err.Error(), "kaboom", "panic values are internal")
}

func TestInterceptorOrder(t *testing.T) {
	e := newTestEngine(t)

	var trace []string
	layer := func(name string) gateway.Interceptor {
		return interceptor.Func(func(next gateway.Handler) gateway.Handler {
			return func(ctx context.Context, args gateway.Args) (any, error) {
				trace = append(trace, name+":before")
				res, err := next(ctx, args)
				trace = append(trace, name+":after")
				return res, err
			}
		})
	}

	require.NoError(t, e.Register("op", func(context.Context, gateway.Args) (any, error) {
		trace = append(trace, "handler")
		return nil, errors.New("inner failure")
	}, layer("outer"), layer("inner")))

	_, err := e.Resolve(context.Background(), "op", nil)
	require.ErrorIs(t, err, gateway.ErrHandlerFailure)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, trace)
}

func TestResolveDoesNotSerialiseHandlers(t *testing.T) {
	e := newTestEngine(t)

	release := make(chan struct{})
	require.NoError(t, e.Register("slow", func(ctx context.Context, _ gateway.Args) (any, error) {
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	require.NoError(t, e.Register("fast", constant("fast")))

	slowDone := make(chan any, 1)
	go func() {
		res, _ := e.Resolve(context.Background(), "slow", nil)
		slowDone <- res
	}()

	res, err := e.Resolve(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", res)

	close(release)
	select {
	case res := <-slowDone:
		assert.Equal(t, "slow", res)
	case <-time.After(time.Second):
		t.Fatal("slow handler never completed")
	}
}

func TestCreateItemFeedsSubscription(t *testing.T) {
	b, err := bus.NewBus(zap.NewNop())
	require.NoError(t, err)
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Register("createItem", func(ctx context.Context, args gateway.Args) (any, error) {
		item := map[string]any{"task": args["task"]}
		if err := b.Publish(ctx, "new-item", map[string]any{"newItem": item}); err != nil {
			return nil, err
		}
		return item, nil
	}))
	require.NoError(t, e.Register("newItem", func(ctx context.Context, _ gateway.Args) (any, error) {
		return b.Subscribe(ctx, "new-item")
	}))

	res, err := e.Resolve(ctx, "newItem", nil)
	require.NoError(t, err)
	sub, ok := res.(gateway.Subscription)
	require.True(t, ok)
	defer sub.Unsubscribe()

	res, err = e.Resolve(ctx, "createItem", gateway.Args{"task": "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"task": "buy milk"}, res)

	nextCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := sub.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"newItem": map[string]any{"task": "buy milk"}}, ev.Payload)

	// exactly once
	onceCtx, cancelOnce := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelOnce()
	_, err = sub.Next(onceCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogInterceptorThroughEngine(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := newTestEngine(t)

	me := map[string]any{"id": 1, "username": "coder12"}
	require.NoError(t, e.Register("Query.me", constant(me),
		interceptor.NewLog(zap.New(core), "Query.me", interceptor.LogConfig{})))

	res, err := e.Resolve(context.Background(), "Query.me", nil)
	require.NoError(t, err)
	assert.Equal(t, me, res)

	_, err = e.Resolve(context.Background(), "Query.me", gateway.Args{"message": "custom"})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "my message", entries[0].ContextMap()["message"])
	assert.Equal(t, "custom", entries[1].ContextMap()["message"])
}

func TestMetricsEngine(t *testing.T) {
	registry := metrics.NewRegistry()
	e := NewMetricsEngine(newTestEngine(t), registry)

	require.NoError(t, e.Register("me", constant(1)))
	require.Error(t, e.Register("me", constant(2)))
	assert.True(t, e.Has("me"))

	_, _ = e.Resolve(context.Background(), "me", nil)
	_, _ = e.Resolve(context.Background(), "nope", nil)

	expected := `
# HELP gateway_engine_resolve_total Total number of resolve operations
# TYPE gateway_engine_resolve_total counter
gateway_engine_resolve_total{code="",operation="me",status="success"} 1
gateway_engine_resolve_total{code="UNKNOWN_OPERATION",operation="unknown",status="error"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "gateway_engine_resolve_total"))

	expected = `
# HELP gateway_engine_registration_total Total number of handler registrations
# TYPE gateway_engine_registration_total counter
gateway_engine_registration_total{status="duplicate"} 1
gateway_engine_registration_total{status="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "gateway_engine_registration_total"))
}

func TestTracedEngine(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	e := NewTracedEngine(newTestEngine(t), tracing.NewTracerFromProvider(tp, "test"))
	require.NoError(t, e.Register("fail", func(context.Context, gateway.Args) (any, error) {
		return nil, gateway.UserInputError("wrong fields")
	}))

	_, err := e.Resolve(context.Background(), "fail", nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.resolve", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "fail", attrs["gateway.operation"])
	assert.Equal(t, gateway.CodeBadUserInput, attrs["gateway.error_code"])
}
