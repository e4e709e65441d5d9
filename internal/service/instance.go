package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/taskmaster/internal/log"
	"github.com/CZERTAINLY/taskmaster/internal/model"
)

// Instance is one numbered process slot of a service.
type Instance struct {
	service string
	index   int
	config  model.Service
	spawner Spawner
	stdout  io.Writer
	stderr  io.Writer
	delay   time.Duration
	metrics *Metrics

	mx      sync.Mutex
	state   State
	proc    Process
	retries int
	backoff *time.Timer
	// seq invalidates a backoff retry scheduled before the last transition out of BACKOFF
	seq uint64
}

// NewInstance returns a STOPPED instance with output discarded. Index is 1-based.
func NewInstance(service string, index int, cfg model.Service, opts ...Option) *Instance {
	return newInstance(service, index, cfg, newOptions(opts), nil, nil)
}

func newInstance(service string, index int, cfg model.Service, o options, stdout, stderr io.Writer) *Instance {
	return &Instance{
		service: service,
		index:   index,
		config:  cfg,
		spawner: o.spawner,
		stdout:  stdout,
		stderr:  stderr,
		delay:   o.backoff,
		metrics: o.metrics,
		state:   StateStopped,
	}
}

// ID returns the instance identifier `<service>#<index>`.
func (i *Instance) ID() string {
	return fmt.Sprintf("%s#%d", i.service, i.index)
}

func (i *Instance) Index() int {
	return i.index
}

func (i *Instance) State() State {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.state
}

// Pid returns the pid of the current process, 0 if there is none.
func (i *Instance) Pid() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.proc == nil {
		return 0
	}
	return i.proc.Pid()
}

func (i *Instance) Retries() int {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.retries
}

// Start spawns the process from STOPPED or BACKOFF. An operator start of an
// EXITED or FATAL instance resets the retry counter first. Start returns once
// the start attempt is decided: the process survived starttime, or it exited
// earlier and was classified. Other states are left alone.
func (i *Instance) Start(ctx context.Context) {
	ctx = i.logContext(ctx)
	i.mx.Lock()
	switch i.state {
	case StateStopped, StateBackoff:
	case StateExited, StateFatal:
		i.retries = 0
	default:
		state := i.state
		i.mx.Unlock()
		slog.DebugContext(ctx, "start ignored", "state", state.String())
		return
	}
	i.cancelBackoffLocked()
	proc := i.spawnLocked(ctx)
	i.mx.Unlock()

	if proc != nil {
		i.awaitStart(ctx, proc)
	}
}

// Stop terminates the process from RUNNING or STARTING: it sends the stop
// signal and escalates to SIGKILL after stoptime. It returns the exit code of
// the stopped process and true. A pending retry in BACKOFF is cancelled and
// the instance becomes STOPPED with no exit code. Other states are left alone.
func (i *Instance) Stop(ctx context.Context) (int, bool) {
	ctx = i.logContext(ctx)
	i.mx.Lock()
	switch i.state {
	case StateBackoff:
		i.cancelBackoffLocked()
		i.setStateLocked(ctx, StateStopped)
		i.mx.Unlock()
		return 0, false
	case StateRunning, StateStarting:
	default:
		i.mx.Unlock()
		return 0, false
	}
	proc := i.proc
	i.setStateLocked(ctx, StateStopping)
	i.mx.Unlock()

	sig := i.config.Signal()
	slog.DebugContext(ctx, "sending stop signal", "pid", proc.Pid(), "signal", sig.String())
	if err := proc.Signal(sig); err != nil {
		slog.WarnContext(ctx, "sending stop signal failed", "pid", proc.Pid(), "error", err)
	}

	timer := time.NewTimer(i.config.StopDuration())
	select {
	case <-proc.Done():
		timer.Stop()
	case <-timer.C:
		slog.WarnContext(ctx, "stoptime elapsed: killing", "pid", proc.Pid())
		i.metrics.killed(i.service)
		if err := proc.Kill(); err != nil {
			slog.WarnContext(ctx, "kill failed", "pid", proc.Pid(), "error", err)
		}
		<-proc.Done()
	}

	code := proc.ExitCode()
	i.mx.Lock()
	if i.proc == proc {
		i.proc = nil
	}
	i.setStateLocked(ctx, StateStopped)
	i.mx.Unlock()
	slog.InfoContext(ctx, "process stopped", "exit_code", code)
	return code, true
}

// Restart stops a RUNNING or STARTING instance and starts it again. Any other
// state goes through Start directly.
func (i *Instance) Restart(ctx context.Context) {
	switch i.State() {
	case StateRunning, StateStarting:
		i.Stop(ctx)
	}
	i.Start(ctx)
}

// spawnLocked enters STARTING and spawns the process. A spawn failure is
// classified as an exit with ExitSpawnFailed and nil is returned.
func (i *Instance) spawnLocked(ctx context.Context) Process {
	i.setStateLocked(ctx, StateStarting)
	proc, err := i.spawner.Spawn(context.WithoutCancel(ctx), i.spec())
	if err != nil {
		slog.ErrorContext(ctx, "spawning process failed", "error", err)
		i.metrics.spawnFailed(i.service)
		i.classifyLocked(ctx, ExitSpawnFailed)
		return nil
	}
	i.proc = proc
	slog.InfoContext(ctx, "process spawned", "pid", proc.Pid())
	return proc
}

// awaitStart races the starttime against the process exit.
func (i *Instance) awaitStart(ctx context.Context, proc Process) {
	timer := time.NewTimer(i.config.StartDuration())
	defer timer.Stop()
	select {
	case <-proc.Done():
		i.handleExit(ctx, proc)
		return
	case <-timer.C:
	}

	i.mx.Lock()
	if i.proc != proc || i.state != StateStarting {
		i.mx.Unlock()
		return
	}
	i.retries = 0
	i.setStateLocked(ctx, StateRunning)
	i.mx.Unlock()

	wctx := context.WithoutCancel(ctx)
	go func() {
		<-proc.Done()
		i.handleExit(wctx, proc)
	}()
}

// handleExit classifies an exit of proc. Exits of a replaced process and
// exits during STOPPING are left to whoever owns the transition.
func (i *Instance) handleExit(ctx context.Context, proc Process) {
	code := proc.ExitCode()
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.proc != proc || i.state == StateStopping {
		return
	}
	i.proc = nil
	slog.InfoContext(ctx, "process exited", "pid", proc.Pid(), "exit_code", code)
	i.classifyLocked(ctx, code)
}

func (i *Instance) classifyLocked(ctx context.Context, code int) {
	if !i.config.ShouldRestart(code) {
		i.setStateLocked(ctx, StateExited)
		return
	}
	i.retries++
	if i.retries > i.config.StartRetries {
		slog.ErrorContext(ctx, "giving up", "retries", i.retries-1)
		i.setStateLocked(ctx, StateFatal)
		return
	}
	i.setStateLocked(ctx, StateBackoff)
	seq := i.seq
	rctx := context.WithoutCancel(ctx)
	i.backoff = time.AfterFunc(i.delay, func() {
		i.retry(rctx, seq)
	})
}

func (i *Instance) retry(ctx context.Context, seq uint64) {
	i.mx.Lock()
	if i.state != StateBackoff || i.seq != seq {
		i.mx.Unlock()
		return
	}
	i.backoff = nil
	slog.DebugContext(ctx, "retrying start", "attempt", i.retries)
	proc := i.spawnLocked(ctx)
	i.mx.Unlock()

	if proc != nil {
		i.awaitStart(ctx, proc)
	}
}

func (i *Instance) cancelBackoffLocked() {
	if i.backoff != nil {
		i.backoff.Stop()
		i.backoff = nil
	}
}

func (i *Instance) setStateLocked(ctx context.Context, to State) {
	from := i.state
	if from == StateBackoff && to != StateBackoff {
		i.seq++
	}
	i.state = to
	i.metrics.transition(i.service, to)
	slog.DebugContext(ctx, "state changed", "from", from.String(), "to", to.String())
}

func (i *Instance) spec() Spec {
	return Spec{
		Command: i.config.Cmd,
		Dir:     i.config.WorkingDir,
		Env:     i.config.Environ(),
		Umask:   i.config.UmaskValue(),
		Stdout:  i.stdout,
		Stderr:  i.stderr,
	}
}

func (i *Instance) logContext(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx, slog.String("instance", i.ID()))
}
