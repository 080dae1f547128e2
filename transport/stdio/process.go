package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/localrivet/mcprpc/transport"
)

// DefaultShutdownGrace is how long Close waits for a child to exit after its
// stdin is closed before killing it.
const DefaultShutdownGrace = 5 * time.Second

// Process is a stdio transport connected to a spawned child MCP server.
type Process struct {
	*Transport

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser
	grace  time.Duration

	startOnce  sync.Once
	startErr   error
	stderrDone chan struct{}
	exited     chan struct{}
	exitErr    error
	closeOnce  sync.Once
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithEnv appends KEY=VALUE pairs to the child's environment.
func WithEnv(env map[string]string) ProcessOption {
	return func(p *Process) {
		if len(env) == 0 {
			return
		}
		p.cmd.Env = os.Environ()
		for k, v := range env {
			p.cmd.Env = append(p.cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) ProcessOption {
	return func(p *Process) { p.grace = d }
}

// NewProcess prepares a child process transport. The command is started by Connect.
func NewProcess(name string, args []string, opts transport.Options, options ...ProcessOption) (*Process, error) {
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p := &Process{
		Transport:  New(stdout, stdin, opts),
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		grace:      DefaultShutdownGrace,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	p.Transport.name = "process"
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Connect starts the child and the reader goroutine.
func (p *Process) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}
	p.startOnce.Do(func() {
		if err := p.cmd.Start(); err != nil {
			p.startErr = transport.NewError(transport.KindIO, "connect",
				fmt.Errorf("failed to start %s: %w", p.cmd.Path, err))
			return
		}
		p.logger.Info("Started MCP server process %s (pid %d)", p.cmd.Path, p.cmd.Process.Pid)
		p.start()
		go p.logStderr()
		go p.wait()
	})
	return p.startErr
}

func (p *Process) logStderr() {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			p.logger.Info("[MCP Server] %s", line)
		}
	}
}

// wait reaps the child once both pipes have been drained.
func (p *Process) wait() {
	defer close(p.exited)
	<-p.readerDone
	<-p.stderrDone
	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil && !p.closed.Load() {
		p.logger.Warn("MCP server process exited: %v", p.exitErr)
	}
}

// Close closes the child's stdin, waits for it to exit, and kills it after
// the grace period.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.cmd.Process == nil {
			_ = p.Transport.Close()
			return
		}
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			p.logger.Warn("MCP server process did not exit within %s, killing", p.grace)
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Error("Failed to kill process: %v", err)
			}
			<-p.exited
		}
		_ = p.Transport.Close()
	})
	return nil
}

// ExitErr returns the child's exit error once it has been reaped.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Info implements transport.InfoProvider.
func (p *Process) Info() transport.Info {
	info := p.Transport.Info()
	info.RemoteAddr = p.cmd.Path
	return info
}
