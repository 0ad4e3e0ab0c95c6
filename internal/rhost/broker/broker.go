// Package broker connects sessions to R host processes, either by launching
// a local host executable or by dialing a remote broker over WebSocket.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// Kind identifies how a broker reaches its hosts.
type Kind string

const (
	// KindLocal launches a host executable on this machine.
	KindLocal Kind = "local"
	// KindRemote dials a broker service over WebSocket.
	KindRemote Kind = "remote"
)

// ErrUnknownKind is returned when no factory is registered for a kind.
var ErrUnknownKind = errors.New("unknown broker kind")

// ErrInvalidConnection is returned for connection info that cannot be used.
var ErrInvalidConnection = errors.New("invalid broker connection")

// ConnectionInfo describes where a broker lives.
type ConnectionInfo struct {
	Name     string `json:"name" mapstructure:"name"`
	URI      string `json:"uri" mapstructure:"uri"`
	User     string `json:"user,omitempty" mapstructure:"user"`
	Password string `json:"-" mapstructure:"-"`
}

// Kind derives the broker kind from the URI scheme. Paths and file:// URIs
// are local, ws/wss/http/https are remote and any other scheme is returned
// as is.
func (c ConnectionInfo) Kind() Kind {
	u, err := url.Parse(c.URI)
	if err != nil || len(u.Scheme) <= 1 {
		// Single-letter schemes are Windows drive letters.
		return KindLocal
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return KindLocal
	case "ws", "wss", "http", "https":
		return KindRemote
	default:
		return Kind(strings.ToLower(u.Scheme))
	}
}

// IsRemote reports whether the broker runs hosts on another machine.
func (c ConnectionInfo) IsRemote() bool {
	return c.Kind() == KindRemote
}

// Validate checks the fields required to build a client.
func (c ConnectionInfo) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConnection)
	}
	if strings.TrimSpace(c.URI) == "" {
		return fmt.Errorf("%w: uri is required for %q", ErrInvalidConnection, c.Name)
	}
	if _, err := url.Parse(c.URI); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConnection, err)
	}
	return nil
}

// Equal reports whether two connections target the same broker with the
// same credentials.
func (c ConnectionInfo) Equal(other ConnectionInfo) bool {
	return c == other
}

func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.URI)
}

// Client launches or connects to R hosts on one broker.
type Client interface {
	// Name returns the connection name.
	Name() string

	// Info returns the connection this client was built from.
	Info() ConnectionInfo

	// IsRemote reports whether hosts run on another machine.
	IsRemote() bool

	// Ping verifies the broker is usable without starting a host.
	Ping(ctx context.Context) error

	// Connect starts a host described by startup and returns the channel
	// to it. Closing the transport ends the host.
	Connect(ctx context.Context, startup rhost.StartupInfo) (transport.Transport, error)

	// Close releases resources held by the client. Transports already
	// returned by Connect are not affected.
	Close() error
}

// Factory builds a client for a connection.
type Factory func(info ConnectionInfo, opts ...Option) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Factory{
		KindLocal:  func(info ConnectionInfo, opts ...Option) (Client, error) { return NewLocal(info, opts...) },
		KindRemote: func(info ConnectionInfo, opts ...Option) (Client, error) { return NewRemote(info, opts...) },
	}
)

// Register adds a factory for a URI scheme. This should be called from init
// functions.
func Register(kind Kind, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// RegisteredKinds returns the registered kinds in sorted order.
func RegisteredKinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New builds a client for info using the factory registered for its kind.
func New(info ConnectionInfo, opts ...Option) (Client, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	registryMu.RLock()
	factory, ok := registry[info.Kind()]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, info.Kind())
	}
	return factory(info, opts...)
}
