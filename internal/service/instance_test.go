package service_test

import (
	"sync"
	"syscall"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/taskmaster/internal/model"
	"github.com/CZERTAINLY/taskmaster/internal/service"

	"github.com/stretchr/testify/require"
)

func TestInstance_StartStop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{}
		inst := service.NewInstance("web", 1, testService(model.RestartAlways), service.WithSpawner(sp))
		require.Equal(t, "web#1", inst.ID())
		require.Equal(t, service.StateStopped, inst.State())

		begin := time.Now()
		inst.Start(ctx)
		require.Equal(t, time.Second, time.Since(begin), "start waits for starttime")
		require.Equal(t, service.StateRunning, inst.State())
		require.Equal(t, 1001, inst.Pid())

		spec := sp.Last().spec
		require.Equal(t, "exec sleep 100", spec.Command)
		require.Equal(t, "/", spec.Dir)
		require.Equal(t, 0o022, spec.Umask)

		// start of a running instance is a no-op
		inst.Start(ctx)
		require.Equal(t, 1, sp.Calls())
		require.Equal(t, 1001, inst.Pid())
		require.Equal(t, service.StateRunning, inst.State())

		code, ok := inst.Stop(ctx)
		require.True(t, ok)
		require.Equal(t, 143, code)
		require.Equal(t, service.StateStopped, inst.State())
		require.Zero(t, inst.Pid())
		require.Equal(t, []syscall.Signal{syscall.SIGTERM}, sp.Proc(0).Signals())

		_, ok = inst.Stop(ctx)
		require.False(t, ok)
		require.Equal(t, service.StateStopped, inst.State())
	})
}

func TestInstance_StopEscalation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{behave: func(_ int, p *fakeProcess) { p.ignore = true }}
		cfg := testService(model.RestartAlways)
		cfg.StopSignal = "SIGINT"
		inst := service.NewInstance("web", 1, cfg, service.WithSpawner(sp))

		inst.Start(ctx)
		require.Equal(t, service.StateRunning, inst.State())

		begin := time.Now()
		code, ok := inst.Stop(ctx)
		require.True(t, ok)
		require.Equal(t, 2*time.Second, time.Since(begin))
		require.Equal(t, 137, code, "exit code reflects SIGKILL")
		require.Equal(t, []syscall.Signal{syscall.SIGINT}, sp.Last().Signals())
		require.Equal(t, service.StateStopped, inst.State())

		synctest.Wait()
		require.Equal(t, 1, sp.Calls(), "stopped instance is never restarted")
	})
}

func TestInstance_RetryBudget(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    int
		then     int
	}{
		{"no retries", 0, 1},
		{"one retry", 1, 2},
		{"three retries", 3, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				sp := &fakeSpawner{behave: exitImmediately(1)}
				cfg := testService(model.RestartAlways)
				cfg.StartRetries = tc.given
				inst := service.NewInstance("web", 1, cfg, service.WithSpawner(sp))

				inst.Start(t.Context())
				time.Sleep(time.Minute)

				require.Equal(t, service.StateFatal, inst.State())
				require.Equal(t, tc.then, sp.Calls())
			})
		})
	}
}

func TestInstance_ExitClassification(t *testing.T) {
	type given struct {
		policy model.RestartPolicy
		code   int
	}
	var testCases = []struct {
		scenario string
		given    given
		then     service.State
	}{
		{"never on success", given{model.RestartNever, 0}, service.StateExited},
		{"never on failure", given{model.RestartNever, 1}, service.StateExited},
		{"always on success", given{model.RestartAlways, 0}, service.StateBackoff},
		{"always on failure", given{model.RestartAlways, 2}, service.StateBackoff},
		{"unexpected on expected", given{model.RestartUnexpected, 0}, service.StateExited},
		{"unexpected on unexpected", given{model.RestartUnexpected, 1}, service.StateBackoff},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				sp := &fakeSpawner{}
				inst := service.NewInstance("web", 1, testService(tc.given.policy), service.WithSpawner(sp))
				inst.Start(ctx)
				require.Equal(t, service.StateRunning, inst.State())

				sp.Last().exit(tc.given.code)
				synctest.Wait()
				require.Equal(t, tc.then, inst.State())
				require.Zero(t, inst.Pid())

				if tc.then == service.StateBackoff {
					require.Equal(t, 1, inst.Retries())
					time.Sleep(2 * time.Second)
					require.Equal(t, service.StateRunning, inst.State())
					require.Zero(t, inst.Retries(), "surviving starttime resets retries")
					require.Equal(t, 2, sp.Calls())
				} else {
					time.Sleep(2 * time.Second)
					require.Equal(t, 1, sp.Calls())
				}
				inst.Stop(ctx)
			})
		})
	}
}

func TestInstance_RetriesResetAfterSuccess(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sp := &fakeSpawner{behave: func(n int, p *fakeProcess) {
			if n <= 2 {
				p.exit(1)
			}
		}}
		inst := service.NewInstance("web", 1, testService(model.RestartUnexpected), service.WithSpawner(sp))

		inst.Start(t.Context())
		require.Equal(t, service.StateBackoff, inst.State())
		require.Equal(t, 1, inst.Retries())

		time.Sleep(5 * time.Second)
		require.Equal(t, service.StateRunning, inst.State())
		require.Zero(t, inst.Retries())
		require.Equal(t, 3, sp.Calls())
		inst.Stop(t.Context())
	})
}

func TestInstance_StopDuringBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{behave: exitImmediately(1)}
		inst := service.NewInstance("web", 1, testService(model.RestartAlways), service.WithSpawner(sp))

		inst.Start(ctx)
		require.Equal(t, service.StateBackoff, inst.State())

		_, ok := inst.Stop(ctx)
		require.False(t, ok, "no process, no exit code")
		require.Equal(t, service.StateStopped, inst.State())

		time.Sleep(time.Minute)
		require.Equal(t, 1, sp.Calls(), "pending retry is cancelled")
		require.Equal(t, service.StateStopped, inst.State())
	})
}

func TestInstance_StopDuringStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{}
		inst := service.NewInstance("web", 1, testService(model.RestartAlways), service.WithSpawner(sp))

		var wg sync.WaitGroup
		wg.Go(func() {
			inst.Start(ctx)
		})
		synctest.Wait()
		require.Equal(t, service.StateStarting, inst.State())

		code, ok := inst.Stop(ctx)
		require.True(t, ok)
		require.Equal(t, 143, code)
		wg.Wait()

		time.Sleep(time.Minute)
		require.Equal(t, service.StateStopped, inst.State())
		require.Equal(t, 1, sp.Calls())
	})
}

func TestInstance_OperatorStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{behave: func(n int, p *fakeProcess) {
			if n == 1 {
				p.exit(1)
			}
		}}
		cfg := testService(model.RestartAlways)
		cfg.StartRetries = 0
		inst := service.NewInstance("web", 1, cfg, service.WithSpawner(sp))

		inst.Start(ctx)
		require.Equal(t, service.StateFatal, inst.State())
		time.Sleep(time.Minute)
		require.Equal(t, 1, sp.Calls(), "fatal is terminal")

		inst.Start(ctx)
		require.Equal(t, service.StateRunning, inst.State())
		require.Equal(t, 2, sp.Calls())
		inst.Stop(ctx)
	})
}

func TestInstance_SpawnFailure(t *testing.T) {
	t.Run("never", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			sp := &fakeSpawner{fail: true}
			inst := service.NewInstance("web", 1, testService(model.RestartNever), service.WithSpawner(sp))
			inst.Start(t.Context())
			require.Equal(t, service.StateExited, inst.State())
			require.Equal(t, 1, sp.Calls())
		})
	})
	t.Run("always", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			sp := &fakeSpawner{fail: true}
			cfg := testService(model.RestartAlways)
			cfg.StartRetries = 2
			inst := service.NewInstance("web", 1, cfg, service.WithSpawner(sp))
			inst.Start(t.Context())
			time.Sleep(time.Minute)
			require.Equal(t, service.StateFatal, inst.State())
			require.Equal(t, 3, sp.Calls())
		})
	})
}

func TestInstance_Restart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()
		sp := &fakeSpawner{}
		inst := service.NewInstance("web", 1, testService(model.RestartNever), service.WithSpawner(sp))

		inst.Restart(ctx)
		require.Equal(t, service.StateRunning, inst.State())
		require.Equal(t, 1, sp.Calls(), "restart of a stopped instance only starts")

		inst.Restart(ctx)
		require.Equal(t, service.StateRunning, inst.State())
		require.Equal(t, 2, sp.Calls())
		require.True(t, sp.Proc(0).Exited(), "old process is stopped before the new one starts")
		require.Equal(t, []syscall.Signal{syscall.SIGTERM}, sp.Proc(0).Signals())
		require.Equal(t, 1002, inst.Pid())
		require.Len(t, sp.Alive(), 1)

		inst.Stop(ctx)
	})
}

func TestInstance_BackoffDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sp := &fakeSpawner{behave: func(n int, p *fakeProcess) {
			if n == 1 {
				p.exit(1)
			}
		}}
		inst := service.NewInstance("web", 1, testService(model.RestartAlways),
			service.WithSpawner(sp), service.WithBackoffDelay(3*time.Second))

		inst.Start(t.Context())
		time.Sleep(2 * time.Second)
		require.Equal(t, service.StateBackoff, inst.State())
		require.Equal(t, 1, sp.Calls())

		time.Sleep(1500 * time.Millisecond)
		require.Equal(t, service.StateStarting, inst.State())
		require.Equal(t, 2, sp.Calls())
		inst.Stop(t.Context())
	})
}
