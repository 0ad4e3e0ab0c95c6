package pubsub

import "context"

// Listener maintains a subscription and hands out events one at a time.
// It is the pull-style counterpart of Subscribe for loops that interleave
// event handling with other work (a console reading user input, a log tail).
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker.
// The subscription is cleaned up when ctx is cancelled.
func NewListener[T any](ctx context.Context, broker Subscriber[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives.
// Returns false if the listener context, the call context or the broker is done.
func (l *Listener[T]) Next(ctx context.Context) (Event[T], bool) {
	select {
	case <-ctx.Done():
		return Event[T]{}, false
	case <-l.ctx.Done():
		return Event[T]{}, false
	case event, ok := <-l.ch:
		return event, ok
	}
}

// Drain returns every event that is already buffered without blocking.
func (l *Listener[T]) Drain() []Event[T] {
	var events []Event[T]
	for {
		select {
		case event, ok := <-l.ch:
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

// C exposes the underlying channel for use in select statements.
func (l *Listener[T]) C() <-chan Event[T] {
	return l.ch
}
