package broker

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transport"
)

// ProcessStatus represents the lifecycle state of a host process.
type ProcessStatus int

const (
	StatusRunning ProcessStatus = iota
	StatusExited
	StatusFailed
	StatusKilled
)

func (s ProcessStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the process has ended.
func (s ProcessStatus) IsTerminal() bool {
	return s != StatusRunning
}

const maxStderrLines = 100

// Process is a launched host executable.
type Process struct {
	name   string
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.RWMutex
	status      ProcessStatus
	stderrLines []string
	exitErr     error

	done chan struct{}
	wg   sync.WaitGroup
}

func newProcess(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, name string) *Process {
	return &Process{
		name:   name,
		cmd:    cmd,
		ctx:    ctx,
		cancel: cancel,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		status: StatusRunning,
		done:   make(chan struct{}),
	}
}

func (p *Process) start() {
	p.wg.Add(1)
	go p.readStderr()
	go p.waitForCompletion()
}

// Transport returns the message channel over the process stdio. Closing it
// kills the process.
func (p *Process) Transport() transport.Transport {
	return transport.NewStream(p.stdout, p.stdin, transport.CloserFunc(p.Kill))
}

// Kill terminates the process. It is a no-op once the process has ended.
func (p *Process) Kill() error {
	p.mu.Lock()
	if p.status.IsTerminal() {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusKilled
	p.mu.Unlock()

	_ = p.stdin.Close()
	p.cancel()
	return nil
}

// Status returns the current process status.
func (p *Process) Status() ProcessStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// PID returns the process id, or 0 if it never started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StderrLines returns the most recent stderr output.
func (p *Process) StderrLines() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.stderrLines...)
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatBroker, "host stderr", "name", p.name, "line", line)

		p.mu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > maxStderrLines {
			p.stderrLines = p.stderrLines[len(p.stderrLines)-maxStderrLines:]
		}
		p.mu.Unlock()
	}
}

func (p *Process) waitForCompletion() {
	// Wait closes the pipes, so stderr must be drained first.
	p.wg.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	switch {
	case p.status == StatusKilled:
	case err != nil:
		p.status = StatusFailed
	default:
		p.status = StatusExited
	}
	status := p.status
	p.mu.Unlock()

	p.cancel()
	close(p.done)

	log.Info(log.CatBroker, "Host process exited", "name", p.name, "pid", p.PID(), "status", status, "error", err)
}
