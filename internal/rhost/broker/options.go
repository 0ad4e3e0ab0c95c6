package broker

import (
	"net/http"
	"time"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	defaultConnectAttempts  = 3
	defaultRetryInterval    = 500 * time.Millisecond
)

// Option configures a Client.
type Option func(*options)

type options struct {
	env              []string
	commandFactory   CommandFactoryFunc
	handshakeTimeout time.Duration
	attempts         int
	retryInterval    time.Duration
	httpClient       *http.Client
}

func defaultOptions() options {
	return options{
		handshakeTimeout: defaultHandshakeTimeout,
		attempts:         defaultConnectAttempts,
		retryInterval:    defaultRetryInterval,
		httpClient:       http.DefaultClient,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnv appends environment variables ("KEY=VALUE") to launched hosts.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithCommandFactory overrides how local host commands are created.
func WithCommandFactory(fn CommandFactoryFunc) Option {
	return func(o *options) { o.commandFactory = fn }
}

// WithHandshakeTimeout bounds the WebSocket handshake with a remote broker.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithRetry sets how many times a remote connect is attempted and the
// minimum interval between attempts.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		if attempts < 1 {
			attempts = 1
		}
		o.attempts = attempts
		o.retryInterval = interval
	}
}

// WithHTTPClient sets the client used to ping remote brokers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}
