package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingSubscriber records received events and signals arrival so tests can
// wait without sleeping.
type countingSubscriber struct {
	mu       sync.Mutex
	received []Event
	arrived  chan struct{}
}

func newCountingSubscriber(expected int) *countingSubscriber {
	return &countingSubscriber{arrived: make(chan struct{}, expected)}
}

func (s *countingSubscriber) HandleEvent(ctx context.Context, event Event) error {
	s.mu.Lock()
	s.received = append(s.received, event)
	s.mu.Unlock()
	s.arrived <- struct{}{}
	return nil
}

func (s *countingSubscriber) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func (s *countingSubscriber) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.received))
	copy(out, s.received)
	return out
}

func TestQueueDelivers(t *testing.T) {
	bus := NewBus()
	sub := newCountingSubscriber(3)
	_, err := bus.Register(sub)
	require.NoError(t, err)

	q := NewQueue(bus, QueueOptions{})
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, NewCycleStartedEvent("is-1", 0, "voice_input")))
	require.NoError(t, q.Publish(ctx, NewLayerCompletedEvent("is-1", 0, "input", "speech", nil)))
	require.NoError(t, q.Publish(ctx, NewCycleCompletedEvent("is-1", 0, "completed")))

	sub.wait(t, 3)
	require.Len(t, sub.events(), 3)
}

func TestQueueSessionOrdering(t *testing.T) {
	bus := NewBus()
	const perSession = 50
	sub := newCountingSubscriber(2 * perSession)
	_, err := bus.Register(sub)
	require.NoError(t, err)

	q := NewQueue(bus, QueueOptions{Workers: 2})
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < perSession; i++ {
		require.NoError(t, q.Publish(ctx, NewCycleStartedEvent("is-a", i, "text_input")))
		require.NoError(t, q.Publish(ctx, NewCycleStartedEvent("is-b", i, "text_input")))
	}
	sub.wait(t, 2*perSession)

	next := map[string]int{}
	for _, evt := range sub.events() {
		cs, ok := evt.(*CycleStartedEvent)
		require.True(t, ok)
		require.Equal(t, next[cs.SessionID()], cs.Cycle, "out-of-order delivery for %s", cs.SessionID())
		next[cs.SessionID()]++
	}
	require.Equal(t, perSession, next["is-a"])
	require.Equal(t, perSession, next["is-b"])
}

func TestQueueCloseDrains(t *testing.T) {
	bus := NewBus()
	sub := newCountingSubscriber(20)
	_, err := bus.Register(sub)
	require.NoError(t, err)

	q := NewQueue(bus, QueueOptions{Workers: 1, Buffer: 32})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Publish(ctx, NewCycleStartedEvent(fmt.Sprintf("is-%d", i), 0, "scheduled")))
	}
	q.Close()
	require.Len(t, sub.events(), 20)

	err = q.Publish(ctx, NewCycleStartedEvent("is-late", 0, "scheduled"))
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueuePublishSync(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)

	q := NewQueue(bus, QueueOptions{})
	defer q.Close()

	err = q.PublishSync(context.Background(), NewStateChangedEvent("idle", "chat", "sync"))
	require.ErrorIs(t, err, boom)
}

func TestQueueHistoryBounded(t *testing.T) {
	bus := NewBus()
	q := NewQueue(bus, QueueOptions{Workers: 1, History: 5})
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, q.PublishSync(ctx, NewCycleStartedEvent("is-1", i, "text_input")))
	}
	hist := q.History()
	require.Len(t, hist, 5)
	first, ok := hist[0].(*CycleStartedEvent)
	require.True(t, ok)
	require.Equal(t, 7, first.Cycle)
}
