package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/connections/domain"
	"github.com/microsoft/RTVS-sub005/internal/infrastructure/sqlite"
	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/metrics"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
	"github.com/microsoft/RTVS-sub005/internal/rhost/provider"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
	"github.com/microsoft/RTVS-sub005/internal/tracing"
)

// ErrNoBroker is returned when neither the config nor the connection
// history names a broker to use.
var ErrNoBroker = errors.New("no broker configured: run 'rtvs broker add NAME URI --use'")

const shutdownTimeout = 5 * time.Second

// runtime wires the long-lived services a command needs.
type runtime struct {
	cfg      config.Config
	provider *provider.Provider
	tracing  *tracing.Provider
	metrics  *metrics.Metrics
	db       *sqlite.DB
	conns    domain.ConnectionRepository
	server   *http.Server
}

func newRuntime(cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("starting tracing: %w", err)
	}
	rt.tracing = tp

	reg, m := metrics.NewRegistry()
	rt.metrics = m
	if cfg.Metrics.Addr != "" {
		if err := rt.serveMetrics(cfg.Metrics.Addr, metrics.Handler(reg)); err != nil {
			rt.close(context.Background())
			return nil, err
		}
	}

	if cfg.Storage.DBPath != "" {
		db, err := sqlite.NewDB(cfg.Storage.DBPath)
		if err != nil {
			rt.close(context.Background())
			return nil, fmt.Errorf("opening connection database: %w", err)
		}
		rt.db = db
		rt.conns = db.ConnectionRepository()
	}

	rt.provider = provider.New(
		provider.WithTracer(tp.Tracer()),
		provider.WithMetrics(m),
		provider.WithSessionOptions(session.WithTracer(tp.Tracer()), session.WithMetrics(m)),
	)
	return rt, nil
}

func (rt *runtime) serveMetrics(addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatCLI, "metrics server stopped", err, "addr", addr)
		}
	}()
	log.Info(log.CatCLI, "serving metrics", "addr", ln.Addr().String())
	return nil
}

// resolveBroker picks the broker to connect to: the active broker from the
// config, else the most recently used saved connection.
func (rt *runtime) resolveBroker(ctx context.Context) (broker.ConnectionInfo, error) {
	if info, ok := rt.cfg.Active(); ok {
		return info, nil
	}
	if rt.conns == nil {
		return broker.ConnectionInfo{}, ErrNoBroker
	}
	conns, err := rt.conns.List(ctx)
	if err != nil {
		return broker.ConnectionInfo{}, err
	}
	for _, c := range conns {
		if c.LastUsedAt() == nil {
			break
		}
		if info, ok := rt.cfg.Broker(c.Name()); ok {
			return info, nil
		}
		return connectionInfo(c), nil
	}
	return broker.ConnectionInfo{}, ErrNoBroker
}

// connect switches the provider to the resolved broker and records its use.
func (rt *runtime) connect(ctx context.Context) error {
	info, err := rt.resolveBroker(ctx)
	if err != nil {
		return err
	}
	return rt.switchTo(ctx, info)
}

func (rt *runtime) switchTo(ctx context.Context, info broker.ConnectionInfo) error {
	switched, err := rt.provider.TrySwitchBroker(ctx, info)
	if err != nil {
		return fmt.Errorf("connecting to broker %s: %w", info.Name, err)
	}
	if !switched {
		return fmt.Errorf("connecting to broker %s: superseded by another switch", info.Name)
	}
	rt.remember(ctx, info)
	return nil
}

// remember saves info in the connection history. Failures are logged only.
func (rt *runtime) remember(ctx context.Context, info broker.ConnectionInfo) {
	if rt.conns == nil {
		return
	}
	now := time.Now()
	err := rt.conns.MarkUsed(ctx, info.Name, now)
	var notFound *domain.ConnectionNotFoundError
	if errors.As(err, &notFound) {
		var c *domain.Connection
		c, err = domain.NewConnection(info.Name, info.URI, info.User)
		if err == nil {
			c.MarkUsed(now)
			err = rt.conns.Save(ctx, c)
		}
	}
	if err != nil {
		log.ErrorErr(log.CatDB, "failed to record connection use", err, "broker", info.Name)
	}
}

// startSession connects and starts a host for a session called name.
func (rt *runtime) startSession(ctx context.Context, name string, callbacks session.Callbacks) (*session.Session, error) {
	if !rt.provider.IsConnected() {
		if err := rt.connect(ctx); err != nil {
			return nil, err
		}
	}
	s, err := rt.provider.GetOrCreate(name, session.WithRestartOnBrokerSwitch(true))
	if err != nil {
		return nil, err
	}
	if err := s.StartHost(ctx, rt.cfg.Host.StartupInfo, callbacks, rt.cfg.Host.StartTimeout); err != nil {
		return nil, fmt.Errorf("starting R host: %w", err)
	}
	return s, nil
}

func (rt *runtime) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if rt.provider != nil {
		if err := rt.provider.Dispose(ctx); err != nil {
			log.ErrorErr(log.CatCLI, "disposing sessions", err)
		}
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
	if rt.tracing != nil {
		_ = rt.tracing.Shutdown(ctx)
	}
}

func connectionInfo(c *domain.Connection) broker.ConnectionInfo {
	info := broker.ConnectionInfo{Name: c.Name(), URI: c.URI(), User: c.User()}
	if info.IsRemote() {
		info.Password = passwordFromEnv()
	}
	return info
}
