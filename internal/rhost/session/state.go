package session

import (
	"context"
	"fmt"
)

// State is the lifecycle state of a session's host connection.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	// StateDisconnected is entered from StateRunning when the host goes away
	// without being stopped.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// operation is a completion shared by every caller that coalesced onto the
// same start or stop.
type operation struct {
	done chan struct{}
	err  error
}

func newOperation() *operation {
	return &operation{done: make(chan struct{})}
}

// complete must be called exactly once.
func (o *operation) complete(err error) {
	o.err = err
	close(o.done)
}

func (o *operation) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
