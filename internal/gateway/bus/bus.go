// Package bus implements gateway.Bus as an in-process fan-out. Topics are
// created by the first subscriber and pruned when the last one leaves;
// publishing never creates a topic.
package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"gateway/internal/gateway"
	"gateway/internal/validator"
)

// Bus is the concrete in-memory implementation of gateway.Bus.
type Bus struct {
	mu     sync.RWMutex // guards topics and closed
	topics map[string]*topic
	closed bool
	logger *zap.Logger
}

// NewBus creates an empty bus. The bus lives as long as its owner; there
// is no process-wide instance.
func NewBus(logger *zap.Logger) (*Bus, error) {
	b := Bus{
		topics: make(map[string]*topic),
		logger: logger,
	}

	if err := validator.Validate("bus", b.logger); err != nil {
		return nil, fmt.Errorf("failed to validate bus deps: %w", err)
	}
	b.logger = b.logger.Named("bus")

	return &b, nil
}

// Publish implements gateway.Bus.Publish. Delivery is synchronous into each
// subscriber's queue, so the call never waits on a slow consumer.
func (b *Bus) Publish(_ context.Context, topicName string, payload map[string]any) error {
	if err := gateway.ValidateTopic(topicName); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return gateway.ErrClosed
	}
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("dropped event without subscribers", zap.String("topic", topicName))
		return nil
	}

	event := gateway.NewEvent(topicName, payload)
	delivered := 0
	for _, sub := range t.snapshot() {
		if sub.deliver(event) {
			delivered++
		}
	}

	b.logger.Debug("published event", zap.String("topic", topicName), zap.Int("delivered", delivered))
	return nil
}

// Subscribe implements gateway.Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, topicName string) (gateway.Subscription, error) {
	if err := gateway.ValidateTopic(topicName); err != nil {
		return nil, err
	}

	sub := newSubscription(b, topicName)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, gateway.ErrClosed
	}
	t, ok := b.topics[topicName]
	if !ok {
		t = newTopic(topicName)
		b.topics[topicName] = t
	}
	t.add(sub)
	b.mu.Unlock()

	sub.bindContext(ctx)

	b.logger.Debug("subscribed", zap.String("topic", topicName), zap.String("subscription", sub.id))
	return sub, nil
}

// Unsubscribe implements gateway.Bus.Unsubscribe.
func (b *Bus) Unsubscribe(sub gateway.Subscription) {
	if sub == nil {
		return
	}
	sub.Unsubscribe()
}

// Close cancels every live subscription. Subsequent Publish and Subscribe
// calls fail with gateway.ErrClosed.
func (b *Bus) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return gateway.ErrClosed
	}
	b.closed = true
	var subs []*subscription
	for _, t := range b.topics {
		subs = append(subs, t.snapshot()...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	b.logger.Info("bus closed", zap.Int("cancelled", len(subs)))
	return nil
}

// Topics returns the number of topics that currently have subscribers.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Subscribers returns the number of live handles on topicName.
func (b *Bus) Subscribers(topicName string) int {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(t.snapshot())
}

// remove detaches sub from its topic and prunes the topic when empty.
func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if t.remove(sub) == 0 {
		delete(b.topics, sub.topic)
	}
}
