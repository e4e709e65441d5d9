package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/taskmaster/internal/daemon"
	"github.com/CZERTAINLY/taskmaster/internal/log"
	"github.com/CZERTAINLY/taskmaster/internal/model"
)

var (
	v         = daemon.NewViper()
	settings  daemon.Settings
	logCloser io.Closer

	flagForce bool // value of init --force
)

func main() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file to load - default is "+daemon.ConfigName+" in current directory or in "+daemon.UserConfigDir())
	flags.Bool("verbose", false, "verbose logging")
	flags.String("log-file", "", "copy the log to a size rotated file")
	flags.String("listen", "", "control socket address, tcp://host:port or unix:///path (default "+v.GetString("listen")+")")
	flags.String("metrics-listen", "", "serve prometheus metrics on this host:port")
	flags.Bool("watch", false, "reload when the config file changes")
	flags.Duration("watch-debounce", daemon.DefaultWatchDebounce, "quiet period after a config file change before reload")
	flags.String("status-every", "", "log a status report periodically, 1d2h3m4s or ISO8601 duration")
	flags.String("status-cron", "", "log a status report on a 5 field cron schedule")
	if err := bindFlags(flags); err != nil {
		panic(err)
	}
	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse settings, setup logging
	rootCmd.PersistentPreRunE = initTaskmasterd

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		slog.Error("taskmasterd failed", "err", err)
		os.Exit(1)
	}
}

// bindFlags binds every flag to the viper key of the same name with
// dashes replaced by underscores.
func bindFlags(flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		errs = append(errs, v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f))
	})
	return errors.Join(errs...)
}

var rootCmd = &cobra.Command{
	Use:          "taskmasterd",
	Short:        "Process supervisor daemon",
	SilenceUsage: true,
	RunE:         doRun,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run supervises the configured services until it receives exit, SIGINT or SIGTERM",
	RunE:  doRun,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "validate checks the configuration file and exits",
	RunE:  doValidate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "init writes a sample configuration file",
	RunE:  doInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskmasterd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("taskmasterd: version info not available")
			return
		}

		if settings.Config != "" {
			fmt.Printf("config:      %s\n", settings.Config)
		}
		fmt.Printf("taskmasterd: %s\n", info.Main.Version)
		fmt.Printf("go:          %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:      %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:        %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:       %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	path, err := daemon.FindConfig(settings.Config, daemon.UserConfigDir(), ".")
	if err != nil {
		return err
	}
	settings.Config = path

	attrs := slog.Group("taskmasterd",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	d, err := daemon.New(settings)
	if err != nil {
		logConfigError(err)
		return err
	}
	return d.Run(ctx)
}

func doValidate(cmd *cobra.Command, args []string) error {
	path, err := daemon.FindConfig(settings.Config, daemon.UserConfigDir(), ".")
	if err != nil {
		return err
	}
	cfg, err := model.LoadConfigFile(path)
	if err != nil {
		logConfigError(err)
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("%s: %d service(s) valid\n", path, len(cfg.Services))
	for _, name := range cfg.Names() {
		svc := cfg.Services[name]
		fmt.Printf("  %-20s numprocs=%d autostart=%t autorestart=%s\n", name, svc.NumProcs, svc.AutoStart, svc.AutoRestart)
	}
	return nil
}

func doInit(cmd *cobra.Command, args []string) error {
	path := settings.Config
	if path == "" {
		path = filepath.Join(daemon.UserConfigDir(), daemon.ConfigName)
	}
	if _, err := os.Stat(path); err == nil && !flagForce {
		return fmt.Errorf("%s already exists, use --force to overwrite it", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(model.SampleConfig(filepath.Join(dir, "logs"))); err != nil {
		return fmt.Errorf("encoding sample configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding sample configuration: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	fmt.Println(path)
	return nil
}

func initTaskmasterd(cmd *cobra.Command, _ []string) error {
	var err error
	settings, err = daemon.ParseSettings(v)
	if err != nil {
		return err
	}

	logger, closer, err := log.New(log.Options{
		Verbose: settings.Verbose,
		File:    settings.LogFile,
	})
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	logCloser = closer
	slog.SetDefault(logger)

	slog.Debug("taskmasterd", "settings", settings)
	return nil
}

func logConfigError(err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		for _, d := range verr.Details {
			slog.Error(d.String())
		}
	}
}
