package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, NewCycleStartedEvent("is-1", 0, "voice_input")))
	require.NoError(t, bus.Publish(ctx, NewCycleCompletedEvent("is-1", 0, "completed")))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusDeliveryOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(ctx, NewStateChangedEvent("idle", "chat", "intent:chat")))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	boom := errors.New("boom")
	reached := false
	_, err := bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, NewSessionStartedEvent("is-1", "interaction", "", "text_input"))
	require.ErrorIs(t, err, boom)
	require.False(t, reached)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, NewCycleStartedEvent("is-1", 0, "voice_input")))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, NewCycleCompletedEvent("is-1", 0, "completed")))
	require.Equal(t, 1, count)
}
