// Package provider keeps the named R sessions of a client and the broker
// they connect through, and switches that broker while sessions are live.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/metrics"
	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// ErrDisposed is returned by operations on a disposed provider.
var ErrDisposed = errors.New("session provider disposed")

// BrokerEvent is published when the active broker changes. Current is the
// zero value after RemoveBroker.
type BrokerEvent struct {
	Previous broker.ConnectionInfo
	Current  broker.ConnectionInfo
}

// Option configures a Provider.
type Option func(*Provider)

// WithBrokerFactory replaces broker.New.
func WithBrokerFactory(f broker.Factory) Option {
	return func(p *Provider) { p.factory = f }
}

// WithBrokerOptions passes options to every broker the provider builds.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(p *Provider) { p.brokerOpts = append(p.brokerOpts, opts...) }
}

// WithSessionOptions applies opts to every session the provider creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(p *Provider) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// WithTracer sets the tracer for provider spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Provider) { p.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider owns named sessions and the active broker. It implements
// session.BrokerSource, so every session it creates starts on whatever
// broker is active at the time.
type Provider struct {
	factory     broker.Factory
	brokerOpts  []broker.Option
	sessionOpts []session.Option
	tracer      trace.Tracer
	metrics     *metrics.Metrics
	events      *pubsub.Broker[BrokerEvent]

	// switching serialises TrySwitchBroker and RemoveBroker.
	switching chan struct{}
	// latest is the most recently requested target; nil means "remove".
	latest atomic.Pointer[broker.ConnectionInfo]

	mu       sync.Mutex
	broker   broker.Client
	sessions map[string]*session.Session
	disposed bool
}

// New creates a provider with no broker configured.
func New(opts ...Option) *Provider {
	p := &Provider{
		factory:   broker.New,
		events:    pubsub.NewBroker[BrokerEvent](),
		switching: make(chan struct{}, 1),
		sessions:  make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the session called name, creating it when it does not
// exist or was disposed.
func (p *Provider) GetOrCreate(name string, opts ...session.Option) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return nil, ErrDisposed
	}
	if s, ok := p.sessions[name]; ok && !s.IsDisposed() {
		return s, nil
	}

	all := append(append([]session.Option(nil), p.sessionOpts...), opts...)
	s := session.New(name, p, all...)
	p.sessions[name] = s
	log.Debug(log.CatProvider, "Session created", "name", name, "id", s.ID())
	return s, nil
}

// Sessions returns the live sessions ordered by name.
func (p *Provider) Sessions() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveSessionsLocked()
}

func (p *Provider) liveSessionsLocked() []*session.Session {
	names := make([]string, 0, len(p.sessions))
	for name, s := range p.sessions {
		if s.IsDisposed() {
			delete(p.sessions, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := make([]*session.Session, len(names))
	for i, name := range names {
		sessions[i] = p.sessions[name]
	}
	return sessions
}

// Broker returns the active broker.
func (p *Provider) Broker() (broker.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broker == nil {
		return nil, rhost.ErrBrokerNotConfigured
	}
	return p.broker, nil
}

// IsConnected reports whether a broker is configured.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broker != nil
}

// Subscribe returns broker change events until ctx is done.
func (p *Provider) Subscribe(ctx context.Context) <-chan pubsub.Event[BrokerEvent] {
	return p.events.Subscribe(ctx)
}

// TrySwitchBroker makes info the active broker.
//
// The new broker is pinged first; on failure nothing changes. Sessions
// created with session.WithRestartOnBrokerSwitch are restarted on the new
// broker concurrently; other sessions keep their current host until it
// ends. Switching to the active broker is a no-op.
//
// Switches are serialised. A switch overtaken by a request for a different
// target returns (false, nil) without applying anything. When the broker
// was switched but some sessions failed to restart, it returns true and the
// joined restart errors.
func (p *Provider) TrySwitchBroker(ctx context.Context, info broker.ConnectionInfo) (switched bool, err error) {
	if err := info.Validate(); err != nil {
		return false, err
	}
	target := info
	p.latest.Store(&target)

	ctx, span := tracing.Start(ctx, p.tracer, tracing.SpanSwitchBroker,
		attribute.String(tracing.AttrBrokerName, info.Name),
		attribute.String(tracing.AttrBrokerURI, info.URI))
	defer func() {
		span.SetAttributes(attribute.Bool("switched", switched))
		tracing.End(span, err)
	}()

	if err := p.lock(ctx); err != nil {
		return false, err
	}
	defer p.unlock()

	if p.superseded(info) {
		p.metrics.BrokerSwitch(metrics.OutcomeSuperseded)
		return false, nil
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return false, ErrDisposed
	}
	current := p.broker
	p.mu.Unlock()
	if current != nil && current.Info().Equal(info) {
		return true, nil
	}

	next, err := p.factory(info, p.brokerOpts...)
	if err != nil {
		p.metrics.BrokerSwitch(metrics.OutcomeError)
		return false, err
	}
	if err := next.Ping(ctx); err != nil {
		_ = next.Close()
		p.metrics.BrokerSwitch(metrics.OutcomeError)
		log.Warn(log.CatProvider, "Broker unreachable, keeping current", "broker", info.Name, "error", err)
		return false, err
	}
	if p.superseded(info) {
		_ = next.Close()
		p.metrics.BrokerSwitch(metrics.OutcomeSuperseded)
		return false, nil
	}

	p.mu.Lock()
	prev := p.broker
	p.broker = next
	var restart []*session.Session
	for _, s := range p.liveSessionsLocked() {
		if s.RestartOnBrokerSwitch() {
			restart = append(restart, s)
		}
	}
	p.mu.Unlock()

	var prevInfo broker.ConnectionInfo
	if prev != nil {
		prevInfo = prev.Info()
		// Hosts already connected through prev keep running.
		_ = prev.Close()
	}
	log.Info(log.CatProvider, "Broker switched", "from", prevInfo.Name, "to", info.Name, "restarting", len(restart))

	err = restartAll(ctx, restart)
	p.metrics.BrokerSwitch(metrics.OutcomeOK)
	p.events.Publish(pubsub.BrokerChangedEvent, BrokerEvent{Previous: prevInfo, Current: info})
	return true, err
}

// restartAll restarts, concurrently, every session whose host is running,
// starting or was lost. Stopped sessions stay stopped.
func restartAll(ctx context.Context, sessions []*session.Session) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, s := range sessions {
		switch s.State() {
		case session.StateNotStarted, session.StateStopped:
			continue
		}
		g.Go(func() error {
			err := s.Restart(ctx)
			if err == nil || errors.Is(err, session.ErrNeverStarted) {
				return nil
			}
			log.ErrorErr(log.CatProvider, "Session restart failed", err, "session", s.Name())
			mu.Lock()
			errs = append(errs, fmt.Errorf("restarting session %q: %w", s.Name(), err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RemoveBroker stops every session's host and leaves the provider with no
// broker. Sessions are kept and can start again after a later switch.
func (p *Provider) RemoveBroker(ctx context.Context) (err error) {
	p.latest.Store(nil)

	ctx, span := tracing.Start(ctx, p.tracer, tracing.SpanRemoveBroker)
	defer func() { tracing.End(span, err) }()

	if err := p.lock(ctx); err != nil {
		return err
	}
	defer p.unlock()

	p.mu.Lock()
	prev := p.broker
	p.broker = nil
	sessions := p.liveSessionsLocked()
	p.mu.Unlock()

	err = stopAll(ctx, sessions)
	if prev != nil {
		_ = prev.Close()
		log.Info(log.CatProvider, "Broker removed", "broker", prev.Name())
		p.events.Publish(pubsub.BrokerChangedEvent, BrokerEvent{Previous: prev.Info()})
	}
	return err
}

func stopAll(ctx context.Context, sessions []*session.Session) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return s.StopHost(ctx, false)
		})
	}
	return g.Wait()
}

// Dispose disposes every session and closes the broker.
func (p *Provider) Dispose(ctx context.Context) error {
	if err := p.lock(ctx); err != nil {
		return err
	}
	defer p.unlock()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	prev := p.broker
	p.broker = nil
	sessions := p.liveSessionsLocked()
	p.sessions = make(map[string]*session.Session)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return s.Dispose(gctx) })
	}
	err := g.Wait()

	if prev != nil {
		_ = prev.Close()
	}
	p.events.Close()
	return err
}

// superseded reports whether a request for another target arrived after
// the one for info.
func (p *Provider) superseded(info broker.ConnectionInfo) bool {
	latest := p.latest.Load()
	return latest == nil || !latest.Equal(info)
}

func (p *Provider) lock(ctx context.Context) error {
	select {
	case p.switching <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) unlock() {
	<-p.switching
}

var _ session.BrokerSource = (*Provider)(nil)
