package service_test

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/CZERTAINLY/taskmaster/internal/model"
	"github.com/CZERTAINLY/taskmaster/internal/service"
)

// fakeProcess exits on the first signal unless it ignores them.
type fakeProcess struct {
	pid  int
	spec service.Spec
	done chan struct{}

	mx      sync.Mutex
	code    int
	signals []syscall.Signal
	ignore  bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mx.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignore
	p.mx.Unlock()
	if !ignore {
		p.exit(128 + int(sig))
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(128 + int(syscall.SIGKILL))
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.code
}

func (p *fakeProcess) exit(code int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.code = code
	close(p.done)
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// fakeSpawner records spawned processes. The behave hook may configure or
// exit a new process before Spawn returns.
type fakeSpawner struct {
	mx     sync.Mutex
	procs  []*fakeProcess
	calls  int
	fail   bool
	behave func(n int, p *fakeProcess)
}

var errSpawn = errors.New("spawn failed")

func (s *fakeSpawner) Spawn(_ context.Context, spec service.Spec) (service.Process, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.calls++
	if s.fail {
		return nil, errSpawn
	}
	p := &fakeProcess{
		pid:  1000 + s.calls,
		spec: spec,
		done: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	if s.behave != nil {
		s.behave(s.calls, p)
	}
	return p, nil
}

func (s *fakeSpawner) Calls() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.calls
}

func (s *fakeSpawner) Proc(n int) *fakeProcess {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.procs[n]
}

func (s *fakeSpawner) Last() *fakeProcess {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Alive returns processes which have not exited yet.
func (s *fakeSpawner) Alive() []*fakeProcess {
	s.mx.Lock()
	defer s.mx.Unlock()
	var ret []*fakeProcess
	for _, p := range s.procs {
		if !p.Exited() {
			ret = append(ret, p)
		}
	}
	return ret
}

func exitImmediately(code int) func(int, *fakeProcess) {
	return func(_ int, p *fakeProcess) {
		p.exit(code)
	}
}

func testService(policy model.RestartPolicy) model.Service {
	return model.Service{
		Cmd:          "exec sleep 100",
		NumProcs:     1,
		AutoStart:    true,
		AutoRestart:  policy,
		ExitCodes:    []int{0},
		StartRetries: 3,
		StartTime:    1,
		StopSignal:   "SIGTERM",
		StopTime:     2,
		WorkingDir:   "/",
		Umask:        "022",
	}
}
