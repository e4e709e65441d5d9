package model

import "path/filepath"

// SampleConfig is the configuration written by `taskmasterd init`. Logs of
// the sample services go to logDir.
func SampleConfig(logDir string) Config {
	var cfg Config
	out := filepath.Join(logDir, "web.log")
	cfg.Add("web", Service{
		Cmd:          "python3 -m http.server 8080",
		NumProcs:     1,
		AutoStart:    true,
		AutoRestart:  RestartUnexpected,
		ExitCodes:    []int{0},
		StartRetries: 3,
		StartTime:    1,
		StopSignal:   "SIGTERM",
		StopTime:     5,
		Stdout:       &out,
		Stderr:       &out,
		Env:          map[string]string{"PYTHONUNBUFFERED": "1"},
		WorkingDir:   "/tmp",
		Umask:        "022",
	})
	cfg.Add("worker", Service{
		Cmd:          "while true; do date; sleep 10; done",
		NumProcs:     2,
		AutoStart:    false,
		AutoRestart:  RestartAlways,
		ExitCodes:    []int{0},
		StartRetries: 5,
		StartTime:    0.5,
		StopSignal:   "SIGINT",
		StopTime:     2,
		WorkingDir:   "/tmp",
		Umask:        "077",
	})
	return cfg
}
