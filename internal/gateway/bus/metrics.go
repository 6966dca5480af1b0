package bus

import (
	"context"
	"sync"
	"time"

	"gateway/internal/gateway"
	"gateway/internal/gateway/metrics"
)

// MetricsBus wraps a gateway.Bus with metrics collection
type MetricsBus struct {
	bus      gateway.Bus
	registry *metrics.Registry
}

// NewMetricsBus creates a new instrumented bus
func NewMetricsBus(bus gateway.Bus, registry *metrics.Registry) gateway.Bus {
	return &MetricsBus{
		bus:      bus,
		registry: registry,
	}
}

// Publish implements gateway.Bus.Publish with metrics collection
func (b *MetricsBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	start := time.Now()

	err := b.bus.Publish(ctx, topic, payload)
	b.registry.RecordPublish(topic, time.Since(start), err)

	return err
}

// Subscribe implements gateway.Bus.Subscribe with metrics collection. The
// live-handle gauge is released when the inner handle is done, whichever
// way it was cancelled.
func (b *MetricsBus) Subscribe(ctx context.Context, topic string) (gateway.Subscription, error) {
	sub, err := b.bus.Subscribe(ctx, topic)
	b.registry.RecordSubscribe(topic, err)
	if err != nil {
		return nil, err
	}

	ms := &metricsSubscription{Subscription: sub, registry: b.registry}
	go func() {
		<-sub.Done()
		ms.release()
	}()
	return ms, nil
}

// Unsubscribe implements gateway.Bus.Unsubscribe
func (b *MetricsBus) Unsubscribe(sub gateway.Subscription) {
	b.bus.Unsubscribe(sub)
}

// Close implements gateway.Bus.Close
func (b *MetricsBus) Close(ctx context.Context) error {
	return b.bus.Close(ctx)
}

type metricsSubscription struct {
	gateway.Subscription
	registry *metrics.Registry
	once     sync.Once
}

func (s *metricsSubscription) Next(ctx context.Context) (gateway.Event, error) {
	e, err := s.Subscription.Next(ctx)
	if err == nil {
		s.registry.RecordEventReceived(s.Topic())
	}
	return e, err
}

func (s *metricsSubscription) release() {
	s.once.Do(func() {
		s.registry.RecordUnsubscribe(s.Topic())
	})
}
