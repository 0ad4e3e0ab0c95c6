package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// ErrUnauthorized is returned when the broker rejects the credentials.
var ErrUnauthorized = errors.New("broker rejected credentials")

// ErrUnreachable is returned when the broker cannot be contacted.
var ErrUnreachable = errors.New("broker unreachable")

// Remote dials hosts on a broker service. Hosts live at
// {base}/sessions/{name}; {base}/info answers pings.
type Remote struct {
	info    ConnectionInfo
	opts    options
	base    *url.URL
	dialer  *websocket.Dialer
	limiter *rate.Limiter
}

// NewRemote creates a remote broker client.
func NewRemote(info ConnectionInfo, opts ...Option) (*Remote, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(info.URI, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnection, err)
	}
	o := applyOptions(opts)

	return &Remote{
		info: info,
		opts: o,
		base: base,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.handshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Every(o.retryInterval), 1),
	}, nil
}

func (r *Remote) Name() string         { return r.info.Name }
func (r *Remote) Info() ConnectionInfo { return r.info }
func (r *Remote) IsRemote() bool       { return true }

// Close releases idle HTTP connections.
func (r *Remote) Close() error {
	r.opts.httpClient.CloseIdleConnections()
	return nil
}

// Ping queries the broker's info endpoint.
func (r *Remote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(httpScheme(r.base.Scheme), "info"), nil)
	if err != nil {
		return err
	}
	r.authorize(req.Header)

	resp, err := r.opts.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s", ErrUnreachable, resp.Status)
	}
	return nil
}

// Connect opens a WebSocket to a host named after startup.Name. Failed
// dials are retried, paced by a rate limiter; authentication failures are
// not retried.
func (r *Remote) Connect(ctx context.Context, startup rhost.StartupInfo) (transport.Transport, error) {
	target := r.endpoint(wsScheme(r.base.Scheme), "sessions/"+startup.Name) + "?" + startup.Query().Encode()
	header := http.Header{}
	r.authorize(header)

	var lastErr error
	for attempt := 1; attempt <= r.opts.attempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The next attempt would not start before the deadline.
			break
		}

		conn, resp, err := r.dialer.DialContext(ctx, target, header)
		if err == nil {
			log.Info(log.CatBroker, "Connected to remote host", "broker", r.info.Name, "host", startup.Name, "attempt", attempt)
			return transport.NewWebSocket(conn), nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}

		lastErr = err
		log.Warn(log.CatBroker, "Remote host connect failed", "broker", r.info.Name, "host", startup.Name, "attempt", attempt, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no connect attempt made")
	}
	return nil, rhost.Disconnected(fmt.Errorf("%w: %v", ErrUnreachable, lastErr))
}

func (r *Remote) endpoint(scheme, path string) string {
	u := *r.base
	u.Scheme = scheme
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	u.RawQuery = ""
	return u.String()
}

func (r *Remote) authorize(header http.Header) {
	if r.info.User == "" {
		return
	}
	creds := base64.StdEncoding.EncodeToString([]byte(r.info.User + ":" + r.info.Password))
	header.Set("Authorization", "Basic "+creds)
}

func wsScheme(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "wss"
	default:
		return "ws"
	}
}

func httpScheme(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "https"
	default:
		return "http"
	}
}
