package session

import (
	"context"

	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// Event is the payload of session events. Which fields are set depends on
// the event type.
type Event struct {
	SessionID string
	Text      string
	Stream    protocol.Stream
	Busy      bool
	BlobID    uint64
	Directory string
	Err       error
}

// Subscribe returns a channel of session events that is closed when ctx is
// done or the session is disposed. Slow subscribers miss events.
func (s *Session) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return s.events.Subscribe(ctx)
}

func (s *Session) publish(t pubsub.EventType, e Event) {
	e.SessionID = s.id
	s.events.Publish(t, e)
}
