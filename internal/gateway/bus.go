package gateway

import "context"

// Bus defines the in-process, topic-keyed notification fan-out.
// Mutation handlers publish to it; subscription handlers hand out the
// Subscription it returns.
type Bus interface {
	// Publish delivers payload to every subscriber registered on topic at the
	// time of the call. With no subscribers the event is dropped.
	// Returns an InvalidArgument error for malformed topics.
	Publish(ctx context.Context, topic string, payload map[string]any) error

	// Subscribe registers a new handle on topic. The handle is cancelled when
	// ctx is done, when Unsubscribe is called, or when the bus is closed.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Unsubscribe cancels sub. Safe to call any number of times.
	Unsubscribe(sub Subscription)

	// Close cancels every live handle and rejects further use of the bus.
	Close(ctx context.Context) error
}

// Subscription is a caller-owned handle on one topic. Its event sequence
// is pull-based, infinite and not restartable.
type Subscription interface {
	// ID uniquely identifies the handle.
	ID() string

	// Topic returns the topic the handle listens on.
	Topic() string

	// Next blocks until the next event is available, the handle is
	// cancelled (ErrSubscriptionClosed) or ctx is done (ctx.Err()).
	// Events arrive in publish order.
	Next(ctx context.Context) (Event, error)

	// Done is closed once the handle is cancelled.
	Done() <-chan struct{}

	// Unsubscribe cancels the handle and discards pending events.
	Unsubscribe()
}
