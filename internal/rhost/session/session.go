// Package session implements an R session: the lifecycle of one host
// connection, the queue of interactions competing for the host's prompts,
// evaluations, cancellation and blob primitives.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/metrics"
	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/host"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// DefaultStartTimeout bounds StartHost when no timeout is given.
const DefaultStartTimeout = 30 * time.Second

const (
	shutdownGracePeriod   = 5 * time.Second
	defaultOutputCapacity = 1000
)

// Disconnect reasons.
var (
	ErrStartCanceled = errors.New("host start canceled")
	ErrStopped       = errors.New("host stopped")
	ErrNotRunning    = errors.New("host not running")
	ErrNeverStarted  = errors.New("session has never been started")
)

// BrokerSource supplies the broker a session connects through. It is asked
// on every start, so a restart picks up a switched broker.
type BrokerSource interface {
	Broker() (broker.Client, error)
}

// BrokerSourceFunc adapts a function to BrokerSource.
type BrokerSourceFunc func() (broker.Client, error)

func (f BrokerSourceFunc) Broker() (broker.Client, error) { return f() }

// StaticBroker is a BrokerSource that always returns b.
func StaticBroker(b broker.Client) BrokerSource {
	return BrokerSourceFunc(func() (broker.Client, error) {
		if b == nil {
			return nil, rhost.ErrBrokerNotConfigured
		}
		return b, nil
	})
}

// Option configures a Session.
type Option func(*Session)

// WithTracer sets the tracer for session spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRestartOnBrokerSwitch marks the session for restart when the provider
// switches brokers.
func WithRestartOnBrokerSwitch(restart bool) Option {
	return func(s *Session) { s.restartOnSwitch = restart }
}

// WithOutputCapacity sets how many output chunks RecentOutput retains.
func WithOutputCapacity(n int) Option {
	return func(s *Session) { s.output = NewOutputBuffer(n) }
}

// Session is a logical R session. It is safe for concurrent use.
type Session struct {
	id              string
	name            string
	brokers         BrokerSource
	tracer          trace.Tracer
	metrics         *metrics.Metrics
	restartOnSwitch bool

	mutations atomic.Int64
	events    *pubsub.Broker[Event]
	output    *OutputBuffer

	mu          sync.Mutex
	state       State
	generation  uint64
	disposed    bool
	conn        *connection
	startOp     *operation
	cancelStart context.CancelFunc
	stopOp      *operation

	startup    rhost.StartupInfo
	callbacks  Callbacks
	timeout    time.Duration
	hasStartup bool

	// Interaction state, all guarded by mu.
	prompts     []*prompt
	live        []*Interaction
	waiters     []*waiter
	responding  map[*Interaction]struct{}
	cancellable map[uint64]context.CancelCauseFunc
	cancelSeq   uint64
	dialogs     map[uint64]context.CancelFunc
}

// New creates a session that connects through brokers.
func New(name string, brokers BrokerSource, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		name:        name,
		brokers:     brokers,
		events:      pubsub.NewBrokerWithBuffer[Event](256),
		output:      NewOutputBuffer(defaultOutputCapacity),
		responding:  make(map[*Interaction]struct{}),
		cancellable: make(map[uint64]context.CancelCauseFunc),
		dialogs:     make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// Mutations returns how many times the host reported that R state changed.
func (s *Session) Mutations() int64 { return s.mutations.Load() }

// RestartOnBrokerSwitch reports whether the provider restarts this session
// on a broker switch.
func (s *Session) RestartOnBrokerSwitch() bool { return s.restartOnSwitch }

// RecentOutput returns up to n most recent console output chunks.
func (s *Session) RecentOutput(n int) []OutputChunk { return s.output.LastN(n) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	lost := s.syncLocked()
	st := s.state
	s.mu.Unlock()
	s.afterDetach(lost)
	return st
}

// IsHostRunning reports whether a host is connected and alive.
func (s *Session) IsHostRunning() bool {
	return s.State() == StateRunning
}

// IsDisposed reports whether Dispose was called.
func (s *Session) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Broker returns the broker of the current connection, or nil.
func (s *Session) Broker() broker.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.broker
}

// HostInfo returns the hello sent by the connected host.
func (s *Session) HostInfo() (protocol.HelloArgs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state != StateRunning {
		return protocol.HelloArgs{}, false
	}
	return s.conn.hello, true
}

// StartHost connects to a new host and waits until it is ready.
//
// Concurrent calls coalesce: one performs the start and the others wait for
// the same outcome. Calling StartHost on a running session returns nil.
// The host must become ready within timeout (DefaultStartTimeout when zero);
// ctx only bounds how long this caller waits.
func (s *Session) StartHost(ctx context.Context, startup rhost.StartupInfo, callbacks Callbacks, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	if startup.Name == "" {
		startup.Name = s.name
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return rhost.ErrSessionDisposed
		}
		lost := s.syncLocked()

		switch s.state {
		case StateRunning:
			s.mu.Unlock()
			return nil
		case StateStarting:
			op := s.startOp
			s.mu.Unlock()
			s.afterDetach(lost)
			return op.wait(ctx)
		case StateStopping:
			op := s.stopOp
			s.mu.Unlock()
			if err := op.wait(ctx); err != nil {
				return err
			}
			continue
		}

		s.startup, s.callbacks, s.timeout, s.hasStartup = startup, callbacks, timeout, true
		op := newOperation()
		s.startOp = op
		s.state = StateStarting
		s.generation++
		gen := s.generation
		startCtx, cancel := context.WithTimeout(context.Background(), timeout)
		s.cancelStart = cancel
		s.mu.Unlock()
		s.afterDetach(lost)

		log.Info(log.CatSession, "Starting host", "session", s.name, "generation", gen, "timeout", timeout)
		go s.runStart(startCtx, cancel, op, gen, startup, callbacks, timeout)
		return op.wait(ctx)
	}
}

// EnsureHostStarted starts the host with the startup info of the last
// StartHost call unless it is already running. It recovers a session whose
// host died.
func (s *Session) EnsureHostStarted(ctx context.Context) error {
	s.mu.Lock()
	startup, callbacks, timeout, ok := s.startup, s.callbacks, s.timeout, s.hasStartup
	s.mu.Unlock()
	if !ok {
		return ErrNeverStarted
	}
	return s.StartHost(ctx, startup, callbacks, timeout)
}

func (s *Session) runStart(ctx context.Context, cancel context.CancelFunc, op *operation, gen uint64, startup rhost.StartupInfo, callbacks Callbacks, timeout time.Duration) {
	defer cancel()

	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanStartHost,
		attribute.String(tracing.AttrSessionID, s.id),
		attribute.String(tracing.AttrSessionName, s.name))

	err := s.connect(ctx, gen, startup, callbacks, timeout)
	tracing.End(span, err)

	switch {
	case err == nil:
		s.metrics.HostStarted(metrics.OutcomeOK)
		log.Info(log.CatSession, "Host started", "session", s.name, "generation", gen)
	case errors.Is(err, ErrStartCanceled):
		s.metrics.HostStarted(metrics.OutcomeCanceled)
		log.Debug(log.CatSession, "Host start canceled", "session", s.name, "generation", gen)
	default:
		s.metrics.HostStarted(metrics.OutcomeError)
		log.ErrorErr(log.CatSession, "Host start failed", err, "session", s.name, "generation", gen)

		s.mu.Lock()
		if s.generation == gen && s.state == StateStarting {
			if s.conn != nil {
				s.detachLocked(s.conn, err)
			}
			s.state = StateStopped
		}
		s.mu.Unlock()
	}
	op.complete(err)
}

func (s *Session) connect(ctx context.Context, gen uint64, startup rhost.StartupInfo, callbacks Callbacks, timeout time.Duration) error {
	b, err := s.brokers.Broker()
	if err != nil {
		return err
	}

	t, err := b.Connect(ctx, startup)
	if err != nil {
		return s.startError(ctx, gen, timeout, err)
	}

	c := newConnection(s, gen, b, callbacks)
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = t.Close()
		return rhost.Disconnected(ErrStartCanceled)
	}
	s.conn = c
	s.mu.Unlock()

	c.host = host.New(t, c, host.WithName(s.name))
	go func() { _ = c.host.Run(context.Background()) }()
	go s.watch(c)

	select {
	case <-c.ready:
	case <-c.host.Done():
		return s.startError(ctx, gen, timeout, fmt.Errorf("host exited during startup: %w", c.host.Err()))
	case <-ctx.Done():
		_ = c.host.Close()
		return s.startError(ctx, gen, timeout, ctx.Err())
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = c.host.Close()
		return rhost.Disconnected(ErrStartCanceled)
	}
	if s.conn != c {
		s.mu.Unlock()
		return rhost.Disconnected(fmt.Errorf("host exited during startup: %w", c.host.Err()))
	}
	s.state = StateRunning
	s.cancelStart = nil
	s.grantLocked()
	s.mu.Unlock()

	s.publish(pubsub.ConnectedEvent, Event{})
	return nil
}

// startError classifies a failure during start.
func (s *Session) startError(ctx context.Context, gen uint64, timeout time.Duration, err error) error {
	s.mu.Lock()
	superseded := s.generation != gen
	s.mu.Unlock()

	var missing *rhost.ComponentBinaryMissingError
	switch {
	case superseded && errors.As(err, &missing):
		return &rhost.HostBinaryMissingError{Missing: missing}
	case superseded || errors.Is(ctx.Err(), context.Canceled):
		return rhost.Disconnected(ErrStartCanceled)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return rhost.Disconnected(fmt.Errorf("host %q not ready within %s", s.name, timeout))
	}
	return err
}

// watch detaches c once its host is gone.
func (s *Session) watch(c *connection) {
	<-c.host.Done()

	s.mu.Lock()
	lost := s.detachLocked(c, c.host.Err())
	s.mu.Unlock()
	s.afterDetach(lost)
}

// syncLocked detaches the current connection if its host already ended, so
// callers never observe Running for a dead host.
func (s *Session) syncLocked() bool {
	if s.conn == nil {
		return false
	}
	select {
	case <-s.conn.host.Done():
		return s.detachLocked(s.conn, s.conn.host.Err())
	default:
		return false
	}
}

// detachLocked drops c and fails everything waiting on it. It returns true
// when this moved a running session to Disconnected.
func (s *Session) detachLocked(c *connection, reason error) bool {
	if s.conn != c || c == nil {
		return false
	}
	if reason == nil || !rhost.IsDisconnected(reason) {
		reason = rhost.Disconnected(reason)
	}
	s.conn = nil
	s.failInteractionsLocked(reason)
	if s.state == StateRunning {
		s.state = StateDisconnected
		return true
	}
	return false
}

func (s *Session) afterDetach(lost bool) {
	if !lost {
		return
	}
	log.Warn(log.CatSession, "Host disconnected", "session", s.name)
	s.metrics.HostEnded(true)
	s.publish(pubsub.DisconnectedEvent, Event{})
}

// StopHost ends the host. With waitForShutdown the host is asked to exit
// and given a grace period before the connection is closed. Stopping a
// starting session cancels the start. StopHost is idempotent.
func (s *Session) StopHost(ctx context.Context, waitForShutdown bool) error {
	s.mu.Lock()
	lost := s.syncLocked()

	switch s.state {
	case StateNotStarted, StateStopped, StateDisconnected:
		s.mu.Unlock()
		s.afterDetach(lost)
		return nil

	case StateStopping:
		op := s.stopOp
		s.mu.Unlock()
		return op.wait(ctx)

	case StateStarting:
		op := newOperation()
		s.stopOp = op
		s.state = StateStopping
		s.generation++
		cancel, startOp, c := s.cancelStart, s.startOp, s.conn
		s.detachLocked(c, rhost.Disconnected(ErrStopped))
		s.mu.Unlock()

		log.Info(log.CatSession, "Canceling host start", "session", s.name)
		if cancel != nil {
			cancel()
		}
		if c != nil {
			_ = c.host.Close()
		}
		<-startOp.done

		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		op.complete(nil)
		return nil
	}

	// Running
	op := newOperation()
	s.stopOp = op
	s.state = StateStopping
	c := s.conn
	s.mu.Unlock()

	ctx, span := tracing.Start(ctx, s.tracer, tracing.SpanStopHost,
		attribute.String(tracing.AttrSessionID, s.id),
		attribute.Bool("wait_for_shutdown", waitForShutdown))

	if waitForShutdown {
		if err := c.host.Notify(ctx, protocol.MsgShutdown, protocol.ShutdownArgs{}); err == nil {
			select {
			case <-c.host.Done():
			case <-ctx.Done():
			case <-time.After(shutdownGracePeriod):
				log.Warn(log.CatSession, "Host did not exit in time", "session", s.name)
			}
		}
	}
	_ = c.host.Close()

	s.mu.Lock()
	s.detachLocked(c, rhost.Disconnected(ErrStopped))
	s.generation++
	s.state = StateStopped
	s.mu.Unlock()

	tracing.End(span, nil)
	s.metrics.HostEnded(false)
	s.publish(pubsub.DisconnectedEvent, Event{Err: rhost.Disconnected(ErrStopped)})
	log.Info(log.CatSession, "Host stopped", "session", s.name)

	op.complete(nil)
	return nil
}

// Restart stops the host and starts it again with the last startup info.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.StopHost(ctx, false); err != nil {
		return err
	}
	return s.EnsureHostStarted(ctx)
}

// Dispose stops the host and closes the event stream. The session cannot
// be started again.
func (s *Session) Dispose(ctx context.Context) error {
	err := s.StopHost(ctx, false)

	s.mu.Lock()
	already := s.disposed
	s.disposed = true
	s.mu.Unlock()

	if !already {
		s.events.Close()
		log.Debug(log.CatSession, "Session disposed", "session", s.name)
	}
	return err
}

// liveConn returns the running connection or a disconnect error.
func (s *Session) liveConn() (*connection, error) {
	s.mu.Lock()
	lost := s.syncLocked()
	c, state := s.conn, s.state
	s.mu.Unlock()
	s.afterDetach(lost)

	if state != StateRunning || c == nil {
		return nil, rhost.Disconnected(ErrNotRunning)
	}
	return c, nil
}
