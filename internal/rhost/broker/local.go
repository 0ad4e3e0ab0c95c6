package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// HostExecutableName is looked up inside a local broker directory.
const HostExecutableName = "Microsoft.R.Host"

// Local launches host executables on this machine.
type Local struct {
	info ConnectionInfo
	opts options
}

// NewLocal creates a local broker client. The connection URI is either the
// host executable or a directory containing HostExecutableName.
func NewLocal(info ConnectionInfo, opts ...Option) (*Local, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &Local{info: info, opts: applyOptions(opts)}, nil
}

func (l *Local) Name() string         { return l.info.Name }
func (l *Local) Info() ConnectionInfo { return l.info }
func (l *Local) IsRemote() bool       { return false }
func (l *Local) Close() error         { return nil }

// ExecutablePath resolves the host executable from the connection URI.
func (l *Local) ExecutablePath() string {
	path := l.info.URI
	if u, err := url.Parse(path); err == nil && strings.EqualFold(u.Scheme, "file") {
		path = u.Path
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		name := HostExecutableName
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		path = filepath.Join(path, name)
	}
	return path
}

// Ping verifies the host executable exists.
func (l *Local) Ping(_ context.Context) error {
	path := l.ExecutablePath()
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return &rhost.ComponentBinaryMissingError{Component: "R host", Path: path}
	}
	return nil
}

// Connect launches a host process and returns a transport over its stdio.
// The process lives until the transport is closed or it exits by itself.
func (l *Local) Connect(ctx context.Context, startup rhost.StartupInfo) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.Ping(ctx); err != nil {
		return nil, err
	}

	// The process outlives the connect call, so it is not bound to ctx.
	proc, err := NewSpawnBuilder(context.Background()).
		WithExecutable(l.ExecutablePath(), startup.CommandLineArgs()).
		WithWorkDir(startup.WorkingDirectory).
		WithEnv(l.opts.env).
		WithName(startup.Name).
		WithCommandFactory(l.opts.commandFactory).
		Build()
	if err != nil {
		var execErr *os.PathError
		if errors.As(err, &execErr) {
			return nil, &rhost.ComponentBinaryMissingError{Component: "R host", Path: l.ExecutablePath()}
		}
		return nil, fmt.Errorf("launching host %q: %w", startup.Name, err)
	}

	log.Info(log.CatBroker, "Launched local host", "broker", l.info.Name, "host", startup.Name, "pid", proc.PID())
	return proc.Transport(), nil
}
