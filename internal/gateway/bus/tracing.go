package bus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"gateway/internal/gateway"
	"gateway/internal/gateway/tracing"
)

// TracedBus wraps a gateway.Bus with distributed tracing
// Layer order: TracedBus -> MetricsBus -> Bus (real thing)
type TracedBus struct {
	bus    gateway.Bus
	tracer *tracing.Tracer
}

// NewTracedBus creates a new traced bus that wraps a metrics bus
func NewTracedBus(bus gateway.Bus, tracer *tracing.Tracer) gateway.Bus {
	return &TracedBus{
		bus:    bus,
		tracer: tracer,
	}
}

// Publish implements gateway.Bus.Publish with distributed tracing
func (b *TracedBus) Publish(ctx context.Context, topic string, payload map[string]any) error {
	ctx, span := b.tracer.StartSpan(ctx, "bus.publish")
	span.SetAttributes(b.tracer.TopicAttributes(topic)...)
	span.SetAttributes(attribute.Int("gateway.payload_keys", len(payload)))

	err := b.bus.Publish(ctx, topic, payload)

	b.tracer.End(span, err)
	return err
}

// Subscribe implements gateway.Bus.Subscribe with distributed tracing. The
// span covers registration only, not the lifetime of the handle.
func (b *TracedBus) Subscribe(ctx context.Context, topic string) (gateway.Subscription, error) {
	_, span := b.tracer.StartSpan(ctx, "bus.subscribe")
	span.SetAttributes(b.tracer.TopicAttributes(topic)...)

	// the handle outlives the span, so it is bound to the caller's ctx
	sub, err := b.bus.Subscribe(ctx, topic)
	if err == nil {
		span.SetAttributes(attribute.String("gateway.subscription", sub.ID()))
	}

	b.tracer.End(span, err)
	return sub, err
}

// Unsubscribe implements gateway.Bus.Unsubscribe
func (b *TracedBus) Unsubscribe(sub gateway.Subscription) {
	b.bus.Unsubscribe(sub)
}

// Close implements gateway.Bus.Close with distributed tracing
func (b *TracedBus) Close(ctx context.Context) error {
	ctx, span := b.tracer.StartSpan(ctx, "bus.close")

	err := b.bus.Close(ctx)

	b.tracer.End(span, err)
	return err
}
