package taskmaster_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	daemonPath string
	ctlPath    string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("taskmasterd-ci") || !isExecutable("taskmasterctl-ci") {
		slog.Warn("integration tests need binaries: run go build -race -cover -covermode=atomic -o taskmasterd-ci ./cmd/taskmasterd/ && go build -race -o taskmasterctl-ci ./cmd/taskmasterctl/ first")
		os.Exit(0)
	}
	if _, err := exec.LookPath("sh"); err != nil {
		slog.Warn("integration tests need sh", "error", err)
		os.Exit(0)
	}

	var err error
	daemonPath, err = filepath.Abs("taskmasterd-ci")
	if err != nil {
		slog.Error("can't get abspath for taskmasterd-ci", "error", err)
		os.Exit(1)
	}
	ctlPath, err = filepath.Abs("taskmasterctl-ci")
	if err != nil {
		slog.Error("can't get abspath for taskmasterctl-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for taskmasterd-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for taskmasterd-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const config = `
services:
  web:
    cmd: "echo started; exec sleep 60"
    numprocs: 2
    autorestart: unexpected
    exitcodes: [0]
    startretries: 2
    starttime: 0.2
    stopsignal: SIGTERM
    stoptime: 2
    stdout: logs/web.log
    workingdir: .
    umask: "022"
  oneshot:
    cmd: "exit 3"
    numprocs: 1
    autostart: false
    autorestart: never
    exitcodes: [0]
    startretries: 0
    starttime: 1
    stopsignal: SIGTERM
    stoptime: 1
    workingdir: .
    umask: "022"
`

func TestTaskmaster(t *testing.T) {
	dir := chDir(t)
	creat(t, "taskmaster.yaml", []byte(config))
	listen := "unix://" + filepath.Join(dir, "taskmaster.sock")

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stderr bytes.Buffer
	daemon := exec.CommandContext(ctx, daemonPath, "run", "--config", "taskmaster.yaml", "--listen", listen)
	daemon.Stderr = &stderr
	require.NoError(t, daemon.Start())
	exited := make(chan error, 1)
	go func() {
		exited <- daemon.Wait()
	}()

	ctl := func(args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, ctlPath, append([]string{"--listen", listen}, args...)...)
		out, err := cmd.CombinedOutput()
		return string(out), err
	}

	require.Eventually(t, func() bool {
		out, err := ctl("status")
		return err == nil && out == "web#1 RUNNING\nweb#2 RUNNING\noneshot#1 STOPPED\n"
	}, 10*time.Second, 50*time.Millisecond)

	out, err := ctl("start", "oneshot")
	require.NoError(t, err, out)
	require.Equal(t, "Service 'oneshot' (1 instance(s))\n", out)

	out, err = ctl("status")
	require.NoError(t, err)
	require.Equal(t, "web#1 RUNNING\nweb#2 RUNNING\noneshot#1 EXITED\n", out)

	out, err = ctl("stop", "nope")
	require.Error(t, err)
	require.Equal(t, "Error: service \"nope\" not found\n", out)

	out, err = ctl("restart", "web")
	require.NoError(t, err, out)
	require.Equal(t, "Service 'web' (2 instance(s))\n", out)

	logs, err := os.ReadFile(filepath.Join("logs", "web.log"))
	require.NoError(t, err)
	require.Equal(t, 4, strings.Count(string(logs), "started\n"), "two instances started twice")

	out, err = ctl("exit")
	require.NoError(t, err, out)
	require.Equal(t, "Shutting down taskmasterd\n", out)

	select {
	case err := <-exited:
		require.NoError(t, err, stderr.String())
	case <-ctx.Done():
		t.Fatalf("taskmasterd did not exit: %s", stderr.String())
	}
}

func TestTaskmaster_Validate(t *testing.T) {
	_ = chDir(t)
	creat(t, "taskmaster.yaml", []byte(strings.Replace(config, "numprocs: 2", "numprocs: 101", 1)))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(t.Context(), daemonPath, "validate", "--config", "taskmaster.yaml")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	require.Contains(t, stderr.String(), "numprocs")
	require.Contains(t, stderr.String(), "web")
}

func TestTaskmaster_Init(t *testing.T) {
	dir := chDir(t)
	path := filepath.Join(dir, "conf", "taskmaster.yaml")

	out, err := exec.CommandContext(t.Context(), daemonPath, "init", "--config", path).CombinedOutput()
	require.NoError(t, err, string(out))
	require.FileExists(t, path)

	out, err = exec.CommandContext(t.Context(), daemonPath, "validate", "--config", path).CombinedOutput()
	require.NoError(t, err, string(out))
	require.Contains(t, string(out), "2 service(s) valid")

	_, err = exec.CommandContext(t.Context(), daemonPath, "init", "--config", path).CombinedOutput()
	require.Error(t, err, "init does not overwrite without --force")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
