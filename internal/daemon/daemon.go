// Package daemon wires the supervisor to its surroundings: the control
// server, process signals, the config file watcher, the periodic status
// report and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
	"vawter.tech/stopper"

	"github.com/CZERTAINLY/taskmaster/internal/control"
	"github.com/CZERTAINLY/taskmaster/internal/model"
	"github.com/CZERTAINLY/taskmaster/internal/service"
)

const stopGrace = 2 * time.Second

// Daemon owns the Supervisor for the lifetime of the process and implements
// control.Backend.
type Daemon struct {
	settings   Settings
	supervisor *service.Supervisor
	registry   *prometheus.Registry

	reloads  singleflight.Group
	shutdown chan struct{}
	once     sync.Once
}

var _ control.Backend = (*Daemon)(nil)

// New loads and validates the configuration file. Any failure is fatal for
// the boot. No process is started before Run.
func New(settings Settings, opts ...service.Option) (*Daemon, error) {
	if settings.Config == "" {
		return nil, ErrNoConfig
	}
	cfg, err := model.LoadConfigFile(settings.Config)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", settings.Config, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts = append([]service.Option{service.WithMetrics(service.NewMetrics(reg))}, opts...)
	sup := service.New(*cfg, opts...)
	reg.MustRegister(service.NewStateCollector(sup))

	return &Daemon{
		settings:   settings,
		supervisor: sup,
		registry:   reg,
		shutdown:   make(chan struct{}),
	}, nil
}

func (d *Daemon) Status(context.Context) string {
	return d.supervisor.Status()
}

func (d *Daemon) StartService(ctx context.Context, name string) (service.Summary, bool) {
	return d.supervisor.StartService(ctx, name)
}

func (d *Daemon) StopService(ctx context.Context, name string) (string, bool) {
	return d.supervisor.StopService(ctx, name)
}

func (d *Daemon) RestartService(ctx context.Context, name string) (service.Summary, bool) {
	return d.supervisor.RestartService(ctx, name)
}

// Reload re-reads the configuration file and reconciles the supervisor with
// it. An invalid file leaves everything untouched. Concurrent reloads from
// the control socket, SIGHUP or the file watcher share a single run.
func (d *Daemon) Reload(ctx context.Context) (service.ReloadResult, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, shared := d.reloads.Do("reload", func() (any, error) {
		cfg, err := model.LoadConfigFile(d.settings.Config)
		if err != nil {
			return nil, err
		}
		return d.supervisor.Reload(ctx, *cfg), nil
	})
	if shared {
		slog.DebugContext(ctx, "reload shared with a concurrent request")
	}
	if err != nil {
		return service.ReloadResult{}, err
	}
	return v.(service.ReloadResult), nil
}

// Shutdown asks Run to stop all services and return.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		slog.InfoContext(ctx, "shutdown requested")
		close(d.shutdown)
	})
}

// MetricsHandler serves the prometheus registry on /metrics.
func (d *Daemon) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	return mux
}

// Run serves the control socket and supervises the configured services until
// SIGINT, SIGTERM, an exit command or cancellation of ctx. Every child
// process is stopped before Run returns. SIGHUP reloads the configuration.
func (d *Daemon) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	sched, err := newScheduler(ctx, d.settings.StatusEvery, d.settings.StatusCron, func() { d.reportStatus(ctx) })
	if err != nil {
		return err
	}

	var listeners []net.Listener
	closeAll := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
		if sched != nil {
			_ = sched.Shutdown()
		}
	}

	ln, err := control.Listen(ctx, d.settings.Listen)
	if err != nil {
		closeAll()
		return fmt.Errorf("listening on %s: %w", d.settings.Listen, err)
	}
	listeners = append(listeners, ln)

	var metricsLn net.Listener
	if d.settings.MetricsListen != "" {
		metricsLn, err = net.Listen("tcp", d.settings.MetricsListen)
		if err != nil {
			closeAll()
			return fmt.Errorf("listening on %s: %w", d.settings.MetricsListen, err)
		}
		listeners = append(listeners, metricsLn)
	}

	sctx := stopper.WithContext(context.WithoutCancel(ctx))
	if d.settings.Watch {
		err := watchConfig(sctx, d.settings.Config, d.settings.WatchDebounce, func() {
			d.reloadAndLog(ctx, "config file changed")
		})
		if err != nil {
			closeAll()
			sctx.Stop(0)
			_ = sctx.Wait()
			return err
		}
	}

	srvCtx, cancel := stoppingContext(sctx)
	defer cancel()
	srv := control.NewServer(d)
	sctx.Go(func(*stopper.Context) error {
		return srv.Serve(srvCtx, ln)
	})
	if metricsLn != nil {
		serveHTTP(sctx, metricsLn, d.MetricsHandler())
	}
	if sched != nil {
		sched.Start()
		sctx.Defer(func() {
			if err := sched.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		})
	}

	slog.InfoContext(ctx, "taskmasterd started",
		"listen", ln.Addr().String(),
		"config", d.settings.Config,
		"services", len(d.supervisor.Config().Services))
	sctx.Go(func(*stopper.Context) error {
		d.supervisor.Start(ctx)
		return nil
	})

loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				sctx.Go(func(*stopper.Context) error {
					d.reloadAndLog(ctx, "SIGHUP")
					return nil
				})
				continue
			}
			slog.InfoContext(ctx, "received signal", "signal", sig.String())
			break loop
		case <-d.shutdown:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	exitCtx := context.WithoutCancel(ctx)
	d.supervisor.Exit(exitCtx)
	sctx.Stop(stopGrace)
	err = sctx.Wait()
	slog.InfoContext(exitCtx, "taskmasterd stopped")
	return err
}

func (d *Daemon) reloadAndLog(ctx context.Context, reason string) {
	result, err := d.Reload(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reload failed", "reason", reason, "error", err)
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			for _, detail := range verr.Details {
				slog.ErrorContext(ctx, "invalid configuration", detail.Attr("detail"))
			}
		}
		return
	}
	slog.InfoContext(ctx, "reload done",
		"reason", reason,
		"removed", result.Removed,
		"modified", result.Modified,
		"added", result.Added)
}

func (d *Daemon) reportStatus(ctx context.Context) {
	states := d.supervisor.States()
	counts := make(map[string]int)
	for _, s := range states {
		counts[s.State.String()]++
	}
	slog.InfoContext(ctx, "status report", "instances", len(states), "states", counts)
}

func serveHTTP(sctx *stopper.Context, ln net.Listener, h http.Handler) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sctx.Go(func(*stopper.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving metrics: %w", err)
		}
		return nil
	})
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(sctx), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
