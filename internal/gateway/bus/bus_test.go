package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"gateway/internal/gateway"
	"gateway/internal/gateway/metrics"
	"gateway/internal/gateway/tracing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := NewBus(zap.NewNop())
	require.NoError(t, err)
	return b
}

func nextWithin(t *testing.T, sub gateway.Subscription, d time.Duration) (gateway.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

func TestNewBusRequiresLogger(t *testing.T) {
	_, err := NewBus(nil)
	require.Error(t, err)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.Publish(context.Background(), "new-item", map[string]any{"task": "x"}))
	assert.Zero(t, b.Topics(), "publish must not create topics")
}

func TestFIFO(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "orders")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	const count = 1000
	for i := 0; i < count; i++ {
		require.NoError(t, b.Publish(ctx, "orders", map[string]any{"n": i}))
	}

	for i := 0; i < count; i++ {
		e, err := nextWithin(t, sub, time.Second)
		require.NoError(t, err)
		require.Equal(t, i, e.Payload["n"], "FIFO broken at %d", i)
		assert.Equal(t, "orders", e.Topic)
	}
}

func TestMultipleSubscribers(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	subs := make([]gateway.Subscription, 3)
	for i := range subs {
		sub, err := b.Subscribe(ctx, "multi")
		require.NoError(t, err)
		defer sub.Unsubscribe()
		subs[i] = sub
	}
	assert.Equal(t, 3, b.Subscribers("multi"))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "multi", map[string]any{"n": i}))
	}

	var wg sync.WaitGroup
	results := make([][]int, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				e, err := nextWithin(t, sub, time.Second)
				if err != nil {
					return
				}
				results[i] = append(results[i], e.Payload["n"].(int))
			}
		}()
	}
	wg.Wait()

	for i := range subs {
		assert.Equal(t, []int{0, 1, 2, 3, 4}, results[i], "sub[%d]", i)
	}
}

func TestLateSubscriberMissesPastEvents(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	early, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer early.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "t", map[string]any{"n": 1}))

	late, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer late.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "t", map[string]any{"n": 2}))

	e, err := nextWithin(t, late, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Payload["n"])
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "u")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "u", map[string]any{"v": "a"}))
	e, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Payload["v"])

	sub.Unsubscribe()
	require.NoError(t, b.Publish(ctx, "u", map[string]any{"v": "b"}))

	_, err = nextWithin(t, sub, 50*time.Millisecond)
	require.ErrorIs(t, err, gateway.ErrSubscriptionClosed)
	assert.Zero(t, b.Topics(), "empty topic should be pruned")

	// idempotent
	sub.Unsubscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestUnsubscribeDiscardsPending(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "pending")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "pending", map[string]any{"n": i}))
	}
	b.Unsubscribe(sub)

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, gateway.ErrSubscriptionClosed)
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}
}

func TestPayloadIsDetached(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "copy")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload := map[string]any{"task": "buy milk"}
	require.NoError(t, b.Publish(ctx, "copy", payload))
	payload["task"] = "mutated"

	e, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", e.Payload["task"])
	assert.False(t, e.PublishTime.IsZero())
}

func TestInvalidTopic(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for _, topic := range []string{"", " spaces", "-leading", "new item", strings.Repeat("a", 256), "ünicode"} {
		t.Run(fmt.Sprintf("%q", topic), func(t *testing.T) {
			err := b.Publish(ctx, topic, nil)
			require.ErrorIs(t, err, gateway.ErrInvalidArgument)

			_, err = b.Subscribe(ctx, topic)
			require.ErrorIs(t, err, gateway.ErrInvalidArgument)
		})
	}
}

func TestContextCancelsSubscription(t *testing.T) {
	b := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "conn")
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not cancelled with its context")
	}
	assert.Equal(t, 0, b.Subscribers("conn"))
}

func TestNextHonoursContext(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(context.Background(), "idle")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = nextWithin(t, sub, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the handle survives a timed-out Next
	require.NoError(t, b.Publish(context.Background(), "idle", map[string]any{"n": 1}))
	e, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Payload["n"])
}

func TestNextWakesOnUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(context.Background(), "wake")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Unsubscribe()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, gateway.ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Unsubscribe")
	}
}

func TestClose(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, gateway.ErrSubscriptionClosed)

	require.ErrorIs(t, b.Publish(ctx, "c", nil), gateway.ErrClosed)
	_, err = b.Subscribe(ctx, "c")
	require.ErrorIs(t, err, gateway.ErrClosed)
	require.ErrorIs(t, b.Close(ctx), gateway.ErrClosed)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	const subscribers = 20
	const events = 200

	subs := make([]gateway.Subscription, subscribers)
	for i := range subs {
		sub, err := b.Subscribe(ctx, "race")
		require.NoError(t, err)
		subs[i] = sub
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			_ = b.Publish(ctx, "race", map[string]any{"n": i})
		}
	}()
	go func() {
		defer wg.Done()
		for i, sub := range subs {
			if i%2 == 0 {
				sub.Unsubscribe()
			}
		}
	}()
	wg.Wait()

	// surviving handles saw a gap-free prefix-ordered stream
	for i, sub := range subs {
		if i%2 == 0 {
			continue
		}
		for n := 0; n < events; n++ {
			e, err := nextWithin(t, sub, time.Second)
			require.NoError(t, err)
			require.Equal(t, n, e.Payload["n"])
		}
		sub.Unsubscribe()
	}
}

func TestMetricsBus(t *testing.T) {
	registry := metrics.NewRegistry()
	b := NewMetricsBus(newTestBus(t), registry)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "new-item")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "new-item", map[string]any{"n": 1}))
	require.NoError(t, b.Publish(ctx, "new-item", map[string]any{"n": 2}))
	require.Error(t, b.Publish(ctx, "", nil))

	_, err = nextWithin(t, sub, time.Second)
	require.NoError(t, err)

	expected := `
# HELP gateway_bus_publish_total Total number of publish operations
# TYPE gateway_bus_publish_total counter
gateway_bus_publish_total{status="error",topic=""} 1
gateway_bus_publish_total{status="success",topic="new-item"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "gateway_bus_publish_total"))

	b.Unsubscribe(sub)

	require.Eventually(t, func() bool {
		err := testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(`
# HELP gateway_bus_subscriptions_active Current number of live subscription handles
# TYPE gateway_bus_subscriptions_active gauge
gateway_bus_subscriptions_active{topic="new-item"} 0
`), "gateway_bus_subscriptions_active")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestTracedBus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := NewTracedBus(newTestBus(t), tracing.NewTracerFromProvider(tp, "test"))
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "traced")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "traced", map[string]any{"n": 1}))
	b.Unsubscribe(sub)
	require.NoError(t, b.Close(ctx))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"bus.subscribe", "bus.publish", "bus.close"}, names)
}

func TestErrorsAreStructured(t *testing.T) {
	b := newTestBus(t)

	err := b.Publish(context.Background(), "bad topic", nil)
	var ge *gateway.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, gateway.CodeBadUserInput, ge.Code)
}
