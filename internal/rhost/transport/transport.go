// Package transport provides the duplex message channels an R host is
// reached over: newline-delimited JSON on byte streams (local process stdio,
// in-memory pipes) and WebSocket text frames (remote brokers).
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport closed")

// Transport is a duplex message channel.
//
// Send may be called from multiple goroutines. Receive is called from a
// single reader goroutine; Close unblocks it.
type Transport interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Receive() (*protocol.Message, error)
	Close() error
}

// Stream is a Transport over a reader/writer pair.
type Stream struct {
	dec *protocol.Decoder

	mu  sync.Mutex // serialises writes
	enc *protocol.Encoder

	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewStream creates a stream transport. closer, if not nil, is closed by
// Close and must unblock pending reads on r.
func NewStream(r io.Reader, w io.Writer, closer io.Closer) *Stream {
	return &Stream{
		dec:    protocol.NewDecoder(r),
		enc:    protocol.NewEncoder(w),
		closer: closer,
		closed: make(chan struct{}),
	}
}

// Send writes msg as one line.
func (s *Stream) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(msg); err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads the next message.
func (s *Stream) Receive() (*protocol.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	msg, err := s.dec.Decode()
	if err != nil && s.isClosed() {
		return nil, ErrClosed
	}
	return msg, err
}

// Close releases the underlying stream. Safe to call multiple times.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
