package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateway/internal/gateway"
)

// subscription implements gateway.Subscription with an unbounded FIFO
// queue. Publishers append under mu and never block; Next pops.
type subscription struct {
	id    string
	topic string
	bus   *Bus

	mu     sync.Mutex
	queue  []gateway.Event
	closed bool
	stop   func() bool // detaches the context.AfterFunc registration

	notify chan struct{} // capacity 1, coalesced wakeups for Next
	done   chan struct{}
	once   sync.Once
}

func newSubscription(b *Bus, topic string) *subscription {
	return &subscription{
		id:     uuid.NewString(),
		topic:  topic,
		bus:    b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// bindContext cancels the handle once ctx is done.
func (s *subscription) bindContext(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, s.Unsubscribe)

	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Done() <-chan struct{} { return s.done }

// Next implements gateway.Subscription.Next.
func (s *subscription) Next(ctx context.Context) (gateway.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return gateway.Event{}, gateway.ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = gateway.Event{}
			s.queue = s.queue[1:]
			more := len(s.queue) > 0
			s.mu.Unlock()
			if more {
				s.wake()
			}
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return gateway.Event{}, ctx.Err()
		}
	}
}

// Unsubscribe implements gateway.Subscription.Unsubscribe.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		stop := s.stop
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		s.bus.remove(s)
		close(s.done)

		s.bus.logger.Debug("unsubscribed", zap.String("topic", s.topic), zap.String("subscription", s.id))
	})
}

// deliver enqueues e unless the handle is already cancelled.
func (s *subscription) deliver(e gateway.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	s.wake()
	return true
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
