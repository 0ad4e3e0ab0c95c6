package hosttest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// Scheme is the URI scheme of in-memory brokers: memory://<name>.
const Scheme = "memory"

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Broker)
)

func init() {
	broker.Register(broker.Kind(Scheme), func(info broker.ConnectionInfo, _ ...broker.Option) (broker.Client, error) {
		u, err := url.Parse(info.URI)
		if err != nil {
			return nil, err
		}
		registryMu.Lock()
		defer registryMu.Unlock()
		b, ok := registry[u.Host]
		if !ok {
			return nil, fmt.Errorf("hosttest: no broker named %q", u.Host)
		}
		return b.withInfo(info), nil
	})
}

// Broker is a broker.Client that serves every connection with a Host over
// an in-memory pipe.
type Broker struct {
	info  broker.ConnectionInfo
	state *brokerState
}

type brokerState struct {
	opts []Option

	mu           sync.Mutex
	hosts        []*Host
	pingErr      error
	connectErr   error
	connectDelay time.Duration

	connects atomic.Int32
	closes   atomic.Int32
}

// NewBroker creates and registers an in-memory broker reachable as
// memory://name. Every host it started is killed when the test ends.
func NewBroker(t testing.TB, name string, opts ...Option) *Broker {
	b := &Broker{
		info:  broker.ConnectionInfo{Name: name, URI: Scheme + "://" + name},
		state: &brokerState{opts: opts},
	}

	registryMu.Lock()
	registry[name] = b
	registryMu.Unlock()

	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, name)
		registryMu.Unlock()
		for _, h := range b.Hosts() {
			h.Kill()
		}
	})
	return b
}

func (b *Broker) withInfo(info broker.ConnectionInfo) *Broker {
	return &Broker{info: info, state: b.state}
}

func (b *Broker) Name() string                 { return b.info.Name }
func (b *Broker) Info() broker.ConnectionInfo { return b.info }
func (b *Broker) IsRemote() bool               { return false }

func (b *Broker) Close() error {
	b.state.closes.Add(1)
	return nil
}

// Ping returns the error set with SetPingError.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return b.state.pingErr
}

// Connect starts a new Host.
func (b *Broker) Connect(ctx context.Context, startup rhost.StartupInfo) (transport.Transport, error) {
	b.state.connects.Add(1)

	b.state.mu.Lock()
	connectErr, delay := b.state.connectErr, b.state.connectDelay
	b.state.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	client, server := transport.Pipe()
	opts := append([]Option{WithName(startup.Name)}, b.state.opts...)
	h := Serve(server, opts...)

	b.state.mu.Lock()
	b.state.hosts = append(b.state.hosts, h)
	b.state.mu.Unlock()
	return client, nil
}

// SetPingError makes Ping fail with err.
func (b *Broker) SetPingError(err error) {
	b.state.mu.Lock()
	b.state.pingErr = err
	b.state.mu.Unlock()
}

// SetConnectError makes Connect fail with err.
func (b *Broker) SetConnectError(err error) {
	b.state.mu.Lock()
	b.state.connectErr = err
	b.state.mu.Unlock()
}

// SetConnectDelay makes Connect wait before starting a host.
func (b *Broker) SetConnectDelay(d time.Duration) {
	b.state.mu.Lock()
	b.state.connectDelay = d
	b.state.mu.Unlock()
}

// Connects returns how many times Connect was called.
func (b *Broker) Connects() int { return int(b.state.connects.Load()) }

// Closes returns how many times Close was called.
func (b *Broker) Closes() int { return int(b.state.closes.Load()) }

// Hosts returns every host started by this broker.
func (b *Broker) Hosts() []*Host {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return append([]*Host(nil), b.state.hosts...)
}

// LastHost returns the most recently started host, or nil.
func (b *Broker) LastHost() *Host {
	hosts := b.Hosts()
	if len(hosts) == 0 {
		return nil
	}
	return hosts[len(hosts)-1]
}
