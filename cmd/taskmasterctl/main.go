package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/taskmaster/internal/control"
	"github.com/CZERTAINLY/taskmaster/internal/daemon"
	"github.com/CZERTAINLY/taskmaster/internal/log"
	"github.com/CZERTAINLY/taskmaster/internal/shell"
)

var v = viper.New()

func main() {
	v.SetEnvPrefix(daemon.EnvPrefix)
	v.AutomaticEnv()
	v.SetDefault("listen", control.DefaultAddress)
	v.SetDefault("timeout", time.Duration(0))

	flags := rootCmd.PersistentFlags()
	flags.String("listen", control.DefaultAddress, "taskmasterd control socket, tcp://host:port or unix:///path")
	flags.Duration("timeout", 0, "give up waiting for a response after this long, 0 waits forever")
	flags.Bool("verbose", false, "verbose logging")
	for _, name := range []string{"listen", "timeout", "verbose"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initTaskmasterctl

	rootCmd.AddCommand(
		requestCmd(control.CommandStatus, "status", "Show status of all services", cobra.NoArgs),
		requestCmd(control.CommandStart, "start <service>", "Start a service", cobra.ExactArgs(1)),
		requestCmd(control.CommandStop, "stop <service>", "Stop a service", cobra.ExactArgs(1)),
		requestCmd(control.CommandRestart, "restart <service>", "Restart a service", cobra.ExactArgs(1)),
		requestCmd(control.CommandReload, "reload", "Reload configuration", cobra.NoArgs),
		requestCmd(control.CommandExit, "exit", "Shutdown the server", cobra.NoArgs),
		shellCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskmasterctl",
	Short:        "Control client of taskmasterd, starts an interactive shell without a command",
	SilenceUsage: true,
	RunE:         doShell,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell with completion and history",
	Args:  cobra.NoArgs,
	RunE:  doShell,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskmasterctl",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("taskmasterctl: version info not available")
			return
		}
		fmt.Printf("taskmasterctl: %s\n", info.Main.Version)
		fmt.Printf("go:            %s\n", info.GoVersion)
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				fmt.Printf("commit:        %s\n", s.Value)
			}
		}
	},
}

func requestCmd(typ control.Command, use, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.Request{Type: typ}
			if len(args) == 1 {
				req.Service = args[0]
			}
			ctx, cancel := requestContext(cmd.Context())
			defer cancel()

			c, err := dial(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = c.Close()
			}()

			resp, err := c.Do(ctx, req)
			if err != nil {
				return fmt.Errorf("sending %s: %w", typ, err)
			}
			if err := resp.Err(); err != nil {
				return err
			}
			fmt.Println(shell.Format(resp))
			return nil
		},
	}
}

func doShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	address := v.GetString("listen")
	fmt.Printf("Connecting to taskmasterd on %s...\n", address)
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Close()
	}()
	fmt.Println("Connected!")

	sh := shell.New(c, os.Stdout)
	if dir, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(dir, "taskmaster")
		if err := os.MkdirAll(dir, 0o700); err == nil {
			sh.History = filepath.Join(dir, "history")
		}
	}
	return sh.Run(ctx)
}

func dial(ctx context.Context) (*control.Client, error) {
	address := v.GetString("listen")
	c, err := control.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to taskmasterd on %s: %w", address, err)
	}
	return c, nil
}

func requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := v.GetDuration("timeout"); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func initTaskmasterctl(cmd *cobra.Command, _ []string) error {
	logger, _, err := log.New(log.Options{Verbose: v.GetBool("verbose")})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
