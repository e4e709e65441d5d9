package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultShell runs the configured command line.
	DefaultShell = "/bin/sh"
	// DefaultWaitDelay bounds how long output copying may outlive the process.
	DefaultWaitDelay = time.Second
	// ExitSpawnFailed is the exit code recorded when no process could be started.
	ExitSpawnFailed = -1
)

// Spec describes a process to spawn.
type Spec struct {
	Command string
	Dir     string
	Env     []string
	Umask   int
	Stdout  io.Writer // nil means /dev/null
	Stderr  io.Writer // nil means /dev/null
}

// Process is a handle of a spawned child.
type Process interface {
	Pid() int
	// Signal delivers sig to the process group of the child.
	Signal(sig syscall.Signal) error
	// Kill delivers SIGKILL to the process group of the child.
	Kill() error
	// Done is closed exactly once, when the exit code is known.
	Done() <-chan struct{}
	// ExitCode is the exit status, or 128+signal number when the process was
	// terminated by a signal. Valid only after Done is closed.
	ExitCode() int
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner spawns `Shell -c Command` using os/exec.
type ExecSpawner struct {
	Shell     string
	WaitDelay time.Duration
}

// Spawn starts the command line. The umask is set by the child shell, the
// mask of the daemon stays untouched.
func (s ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	line := fmt.Sprintf("umask %03o; %s", spec.Umask&0o777, spec.Command)
	cmd := exec.Command(cmp.Or(s.Shell, DefaultShell), "-c", line)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = cmp.Or(s.WaitDelay, DefaultWaitDelay)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:     cmd,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	go p.wait(ctx)
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	code    int
}

func (p *execProcess) wait(ctx context.Context) {
	err := p.cmd.Wait()
	if err != nil && !isExitError(err) {
		slog.DebugContext(ctx, "wait returned", "pid", p.cmd.Process.Pid, "error", err)
	}
	p.code = exitCode(p.cmd.ProcessState)
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	return unix.Kill(-p.cmd.Process.Pid, sig)
}

func (p *execProcess) Kill() error {
	return unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.code
	default:
		return ExitSpawnFailed
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return ExitSpawnFailed
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
