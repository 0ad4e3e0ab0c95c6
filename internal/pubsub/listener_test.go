package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListener_Next(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener[string](ctx, broker)
	broker.Publish(UpdatedEvent, "first")
	broker.Publish(UpdatedEvent, "second")

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()

	event, ok := l.Next(waitCtx)
	require.True(t, ok)
	require.Equal(t, "first", event.Payload)

	event, ok = l.Next(waitCtx)
	require.True(t, ok)
	require.Equal(t, "second", event.Payload)
}

func TestListener_NextReturnsFalseOnCancel(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener[int](ctx, broker)
	cancel()

	_, ok := l.Next(context.Background())
	require.False(t, ok)
}

func TestListener_NextReturnsFalseOnBrokerClose(t *testing.T) {
	broker := NewBroker[int]()

	l := NewListener[int](context.Background(), broker)
	broker.Close()

	_, ok := l.Next(context.Background())
	require.False(t, ok)
}

func TestListener_Drain(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	l := NewListener[int](context.Background(), broker)
	require.Empty(t, l.Drain())

	for i := 0; i < 3; i++ {
		broker.Publish(CreatedEvent, i)
	}

	events := l.Drain()
	require.Len(t, events, 3)
	require.Equal(t, 2, events[2].Payload)
}
