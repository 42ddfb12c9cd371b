package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Publisher accepts events for delivery. Both Bus (synchronous fan-out)
	// and Queue (deferred worker-pool dispatch) satisfy it, so components can
	// be wired with either.
	Publisher interface {
		Publish(ctx context.Context, event Event) error
	}

	// Bus publishes runtime events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. This fail-fast behavior
	// lets critical subscribers (e.g., metadata persistence) halt processing
	// when they hit unrecoverable errors.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber
		// in registration order, stopping at the first error returned by any
		// subscriber. The context is forwarded to each subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published runtime events. Subscribers registered
	// with a Bus receive all events in registration order until their
	// subscription is closed.
	//
	// HandleEvent should return an error only when processing fails in a way
	// that must halt delivery (e.g., a persistence failure the engine cannot
	// proceed past). The Bus stops iterating at the first error, so
	// non-critical failures should be logged and swallowed to avoid starving
	// other subscribers.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and may carry deadlines or cancellation that
		// implementations should respect.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Closing it
	// removes the subscriber so it receives no further events. Close is
	// idempotent and safe to call from defer.
	Subscription interface {
		// Close removes the subscriber from the bus. After Close returns the
		// subscriber will not receive new events, though an event already
		// in-flight during Close may still be delivered.
		//
		// Close always returns nil to satisfy io.Closer-like interfaces.
		Close() error
	}

	// bus is the concrete Bus implementation. Subscribers are kept in a slice
	// so delivery order matches registration order.
	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	// subscription is an active registration. It holds a reference back to
	// the bus for removal and uses sync.Once for idempotent Close.
	subscription struct {
		bus  *bus
		fn   Subscriber
		once sync.Once
	}
)

// HandleEvent calls the wrapped function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use.
//
// The bus implements a synchronous fan-out: when Publish is called, each
// registered subscriber receives the event in registration order. If any
// subscriber returns an error, iteration stops immediately and that error is
// returned to the publisher.
//
// Typical usage:
//
//	bus := events.NewBus()
//	sub, _ := bus.Register(events.SubscriberFunc(func(ctx context.Context, evt events.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	}))
//	defer sub.Close()
//
//	bus.Publish(ctx, events.NewCycleStartedEvent("is-1", 0, "voice_input"))
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to every registered subscriber in registration
// order. The snapshot of subscribers is captured before iteration, so
// registrations and removals during Publish do not affect the current
// delivery. With no subscribers Publish returns nil immediately.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	for i, s := range b.subs {
		subs[i] = s.fn
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber and returns its Subscription handle. Returns an
// error if sub is nil.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, fn: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent and thread-safe.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
