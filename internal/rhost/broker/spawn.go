package broker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/microsoft/RTVS-sub005/internal/log"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable path, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for launching a host process with its
// stdin and stdout wired as the message channel.
type SpawnBuilder struct {
	ctx            context.Context
	execPath       string
	args           []string
	workDir        string
	env            []string
	name           string
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder. The process is killed when
// ctx is cancelled.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:  ctx,
		name: "rhost",
	}
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithEnv sets additional environment variables to append to os.Environ().
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithName sets the name used in log entries.
func (b *SpawnBuilder) WithName(name string) *SpawnBuilder {
	b.name = name
	return b
}

// WithCommandFactory sets a custom command factory for testing.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build creates the pipes, starts the process and its goroutines.
// On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*Process, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}

	procCtx, cancel := context.WithCancel(b.ctx)

	var cmd *exec.Cmd
	var stdin io.WriteCloser
	var stdout io.ReadCloser
	var stderr io.ReadCloser

	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- path comes from the configured broker connection
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	var err error
	stdin, err = cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stderr pipe: %w", err)
	}

	log.Debug(log.CatBroker, "Spawning host process",
		"name", b.name,
		"execPath", b.execPath,
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to start %s process: %w", b.name, err)
	}

	p := newProcess(procCtx, cancel, cmd, stdin, stdout, stderr, b.name)
	p.start()
	return p, nil
}
