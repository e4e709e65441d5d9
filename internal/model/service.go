package model

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RestartPolicy decides whether an exited process is started again.
type RestartPolicy string

const (
	RestartAlways     RestartPolicy = "always"
	RestartNever      RestartPolicy = "never"
	RestartUnexpected RestartPolicy = "unexpected"
)

// Service is the definition of one named service. It is immutable once
// loaded: a reload replaces the whole value.
type Service struct {
	Cmd          string            `json:"cmd" yaml:"cmd" toml:"cmd"`
	NumProcs     int               `json:"numprocs" yaml:"numprocs" toml:"numprocs"`
	AutoStart    bool              `json:"autostart" yaml:"autostart" toml:"autostart"`
	AutoRestart  RestartPolicy     `json:"autorestart" yaml:"autorestart" toml:"autorestart"`
	ExitCodes    []int             `json:"exitcodes" yaml:"exitcodes" toml:"exitcodes"`
	StartRetries int               `json:"startretries" yaml:"startretries" toml:"startretries"`
	StartTime    float64           `json:"starttime" yaml:"starttime" toml:"starttime"` // seconds
	StopSignal   string            `json:"stopsignal" yaml:"stopsignal" toml:"stopsignal"`
	StopTime     float64           `json:"stoptime" yaml:"stoptime" toml:"stoptime"` // seconds
	Stdout       *string           `json:"stdout,omitempty" yaml:"stdout,omitempty" toml:"stdout,omitempty"`
	Stderr       *string           `json:"stderr,omitempty" yaml:"stderr,omitempty" toml:"stderr,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
	WorkingDir   string            `json:"workingdir" yaml:"workingdir" toml:"workingdir"`
	Umask        string            `json:"umask" yaml:"umask" toml:"umask"`
}

func (s Service) StartDuration() time.Duration {
	return seconds(s.StartTime)
}

func (s Service) StopDuration() time.Duration {
	return seconds(s.StopTime)
}

// Signal returns the configured stop signal, SIGTERM when the name is unknown.
func (s Service) Signal() syscall.Signal {
	sig := unix.SignalNum(s.StopSignal)
	if sig == 0 {
		return syscall.SIGTERM
	}
	return sig
}

// UmaskValue returns the file creation mask, 022 when the value does not parse.
func (s Service) UmaskValue() int {
	m, err := strconv.ParseUint(s.Umask, 8, 32)
	if err != nil {
		return 0o022
	}
	return int(m)
}

// Expected reports whether code belongs to the configured exit codes.
func (s Service) Expected(code int) bool {
	return slices.Contains(s.ExitCodes, code)
}

// ShouldRestart applies the restart policy to an exit code.
func (s Service) ShouldRestart(code int) bool {
	switch s.AutoRestart {
	case RestartAlways:
		return true
	case RestartUnexpected:
		return !s.Expected(code)
	default:
		return false
	}
}

// Environ is the parent environment overlaid with the configured variables.
func (s Service) Environ() []string {
	env := os.Environ()
	if len(s.Env) == 0 {
		return env
	}
	ret := make([]string, 0, len(env)+len(s.Env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := s.Env[k]; ok {
			continue
		}
		ret = append(ret, kv)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		ret = append(ret, k+"="+s.Env[k])
	}
	return ret
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
