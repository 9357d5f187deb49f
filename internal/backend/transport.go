package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// transport abstracts the child process behind an adapter so tests can
// substitute in-memory pipes for a spawned process.
type transport interface {
	Start() error
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the child to exit (SIGTERM). Kill forces it (SIGKILL).
	Terminate() error
	Kill() error
	// Wait blocks until the child has exited and its pipes are reaped.
	// It must be called exactly once per started transport.
	Wait() error
}

// transportFactory builds the transport for a descriptor. Overridden in
// tests; production adapters use newExecTransport.
type transportFactory func(d Descriptor) transport

// execTransport runs the backend as a child process with piped stdio.
type execTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func newExecTransport(d Descriptor) transport {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return &execTransport{cmd: cmd}
}

func (t *execTransport) Start() error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.cmd.Path, err)
	}

	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr
	return nil
}

func (t *execTransport) Stdin() io.Writer  { return t.stdin }
func (t *execTransport) Stdout() io.Reader { return t.stdout }
func (t *execTransport) Stderr() io.Reader { return t.stderr }

func (t *execTransport) Terminate() error {
	if t.cmd.Process == nil {
		return nil
	}
	// Closing stdin first lets well-behaved MCP servers exit on their own.
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	return t.cmd.Process.Signal(syscall.SIGTERM)
}

func (t *execTransport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

func (t *execTransport) Wait() error {
	return t.cmd.Wait()
}
