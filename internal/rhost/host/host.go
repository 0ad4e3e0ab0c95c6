// Package host runs the transport loop between a client and one R host
// process.
//
// A single goroutine (Run) reads frames and either completes the pending
// request they answer or hands them to the Handler in arrival order. Outbound
// requests are correlated by id through a table of single-use channels. When
// the transport fails, every pending request receives the same terminal
// disconnect error exactly once.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// ErrClosed is the disconnect reason after a local Close.
var ErrClosed = errors.New("host connection closed")

// cancelNotifyTimeout bounds the best-effort cancel notification.
const cancelNotifyTimeout = 5 * time.Second

// Handler receives host-initiated messages in the order the host sent them.
// Implementations must not block: a slow handler stalls every response.
type Handler interface {
	HandleNotification(msg *protocol.Message)
	HandleRequest(msg *protocol.Message)
}

// Option configures a Host.
type Option func(*Host)

// WithName sets the name used in log entries.
func WithName(name string) Option {
	return func(h *Host) {
		h.name = name
	}
}

type result struct {
	msg *protocol.Message
	err error
}

// Host is the client end of a connection to an R host.
type Host struct {
	name      string
	transport transport.Transport
	handler   Handler

	seq atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan result

	failOnce sync.Once
	err      error
	done     chan struct{}
}

// New creates a host over t. Call Run to start the loop.
func New(t transport.Transport, handler Handler, opts ...Option) *Host {
	h := &Host{
		name:      "rhost",
		transport: t,
		handler:   handler,
		pending:   make(map[uint64]chan result),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run reads frames until the transport fails or ctx is cancelled. It always
// returns an error matching rhost.ErrHostDisconnected.
func (h *Host) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			h.fail(rhost.Disconnected(ctx.Err()))
		case <-h.done:
		}
	}()

	for {
		msg, err := h.transport.Receive()
		if err != nil {
			h.fail(rhost.Disconnected(err))
			return h.Err()
		}
		h.dispatch(msg)
	}
}

func (h *Host) dispatch(msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatHost, "Panic handling message", "host", h.name, "name", msg.Name, "panic", r)
		}
	}()

	switch {
	case msg.IsResponse():
		h.pendingMu.Lock()
		ch, ok := h.pending[msg.RequestID]
		delete(h.pending, msg.RequestID)
		h.pendingMu.Unlock()
		if !ok {
			log.Debug(log.CatHost, "Dropping response with no pending request", "host", h.name, "name", msg.Name, "requestID", msg.RequestID)
			return
		}
		ch <- result{msg: msg}
	case msg.IsRequest():
		h.handler.HandleRequest(msg)
	default:
		h.handler.HandleNotification(msg)
	}
}

// Call sends a request and waits for its response.
//
// If ctx is done first, the request is forgotten locally and a best-effort
// cancel is sent to the host without waiting for it. A host-side failure is
// returned as *protocol.Error together with the response message.
func (h *Host) Call(ctx context.Context, name string, args any, blob []byte) (*protocol.Message, error) {
	req, err := h.Start(ctx, name, args, blob)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Request is a request that has been sent and awaits its response.
type Request struct {
	h  *Host
	id uint64
	ch chan result
}

// ID returns the correlation id the host will answer with.
func (r *Request) ID() uint64 { return r.id }

// Start sends a request without waiting for the response. The caller must
// Wait for it. A message that cannot be encoded is rejected with a
// *protocol.EncodeError and leaves the connection up.
func (h *Host) Start(ctx context.Context, name string, args any, blob []byte) (*Request, error) {
	msg, err := protocol.NewMessage(name, args, blob)
	if err != nil {
		return nil, err
	}
	id := h.seq.Add(1)
	msg.ID = id

	ch := make(chan result, 1)
	h.pendingMu.Lock()
	if h.isDone() {
		h.pendingMu.Unlock()
		return nil, h.Err()
	}
	h.pending[id] = ch
	h.pendingMu.Unlock()

	if err := h.send(ctx, msg); err != nil {
		h.forget(id)
		return nil, err
	}
	return &Request{h: h, id: id, ch: ch}, nil
}

// Wait blocks until the response arrives, the connection fails or ctx is
// done. See Call.
func (r *Request) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case res := <-r.ch:
		// Cancellation wins over a result that became ready concurrently.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return res.msg, res.msg.Error
		}
		return res.msg, nil
	case <-ctx.Done():
		r.h.forget(r.id)
		r.h.cancelRemote(r.id)
		return nil, ctx.Err()
	}
}

// Notify sends a message that expects no response.
func (h *Host) Notify(ctx context.Context, name string, args any) error {
	msg, err := protocol.NewMessage(name, args, nil)
	if err != nil {
		return err
	}
	return h.send(ctx, msg)
}

// Respond answers a host-initiated request.
func (h *Host) Respond(ctx context.Context, req *protocol.Message, args any) error {
	msg, err := protocol.NewResponse(req, args, nil)
	if err != nil {
		return err
	}
	return h.send(ctx, msg)
}

func (h *Host) send(ctx context.Context, msg *protocol.Message) error {
	if h.isDone() {
		return h.Err()
	}
	if err := h.transport.Send(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Nothing reached the wire; the connection is still good.
		var encErr *protocol.EncodeError
		if errors.As(err, &encErr) {
			log.Warn(log.CatHost, "Message rejected before sending", "host", h.name, "message", msg.Name, "error", err)
			return err
		}
		h.fail(rhost.Disconnected(err))
		return h.Err()
	}
	return nil
}

func (h *Host) cancelRemote(id uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
		defer cancel()
		if err := h.Notify(ctx, protocol.MsgCancel, protocol.CancelArgs{RequestID: id}); err != nil {
			log.Debug(log.CatHost, "Cancel notification not delivered", "host", h.name, "requestID", id, "error", err)
		}
	}()
}

func (h *Host) forget(id uint64) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// fail records the terminal error, completes every pending request with it
// and closes the transport. Only the first call has any effect.
func (h *Host) fail(err error) {
	h.failOnce.Do(func() {
		h.pendingMu.Lock()
		h.err = err
		close(h.done)
		pending := h.pending
		h.pending = make(map[uint64]chan result)
		h.pendingMu.Unlock()

		for _, ch := range pending {
			ch <- result{err: err}
		}
		_ = h.transport.Close()

		log.Info(log.CatHost, "Host connection ended", "host", h.name, "pending", len(pending), "reason", err)
	})
}

// Close tears down the connection. Pending requests fail with a disconnect.
func (h *Host) Close() error {
	h.fail(rhost.Disconnected(ErrClosed))
	return nil
}

// Done is closed once the connection has ended.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, or nil while the connection is alive.
func (h *Host) Err() error {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return h.err
}

// Pending returns the number of requests awaiting a response.
func (h *Host) Pending() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}

func (h *Host) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Host) String() string {
	return fmt.Sprintf("host(%s)", h.name)
}
