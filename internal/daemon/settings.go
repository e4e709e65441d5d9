package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/taskmaster/internal/control"
)

const (
	EnvPrefix  = "TASKMASTER"
	ConfigName = "taskmaster.yaml"

	DefaultWatchDebounce = 500 * time.Millisecond
)

var ErrNoConfig = errors.New("no configuration file found")

// Settings configure the daemon itself. Unlike the service document they are
// read once at boot and never reloaded.
type Settings struct {
	Config        string        `mapstructure:"config"`
	Listen        string        `mapstructure:"listen"`
	Verbose       bool          `mapstructure:"verbose"`
	LogFile       string        `mapstructure:"log_file"`
	MetricsListen string        `mapstructure:"metrics_listen"`
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	StatusEvery   string        `mapstructure:"status_every"`
	StatusCron    string        `mapstructure:"status_cron"`
}

// NewViper returns a viper instance with defaults and TASKMASTER_* environment
// overrides. Command line flags are bound on top of it by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("config", "")
	v.SetDefault("listen", control.DefaultAddress)
	v.SetDefault("verbose", false)
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("watch", false)
	v.SetDefault("watch_debounce", DefaultWatchDebounce)
	v.SetDefault("status_every", "")
	v.SetDefault("status_cron", "")
	return v
}

// ParseSettings decodes v and checks the report schedule.
func ParseSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if s.StatusEvery != "" && s.StatusCron != "" {
		return Settings{}, errors.New("status_every and status_cron are mutually exclusive")
	}
	if s.StatusEvery != "" {
		if _, err := ParseDuration(s.StatusEvery); err != nil {
			return Settings{}, fmt.Errorf("parsing status_every: %w", err)
		}
	}
	if s.StatusCron != "" {
		if err := ParseCron(s.StatusCron); err != nil {
			return Settings{}, fmt.Errorf("parsing status_cron: %w", err)
		}
	}
	if s.WatchDebounce <= 0 {
		s.WatchDebounce = DefaultWatchDebounce
	}
	return s, nil
}

// UserConfigDir is the per-user directory searched for ConfigName.
func UserConfigDir() string {
	d, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(d, "taskmaster")
}

// FindConfig returns explicit if set, otherwise the first ConfigName found in
// dirs.
func FindConfig(explicit string, dirs ...string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		path := filepath.Join(d, ConfigName)
		if exists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: searched %s in %s", ErrNoConfig, ConfigName, strings.Join(dirs, ", "))
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
