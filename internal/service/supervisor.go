package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/CZERTAINLY/taskmaster/internal/log"
	"github.com/CZERTAINLY/taskmaster/internal/model"
	"github.com/CZERTAINLY/taskmaster/internal/parallel"
)

// Summary describes a service after a start or restart.
type Summary struct {
	Name      string `json:"name"`
	Instances int    `json:"instances"`
}

// ReloadResult lists service names affected by a reload.
type ReloadResult struct {
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
	Added    []string `json:"added"`
}

// Empty reports a reload which changed nothing.
func (r ReloadResult) Empty() bool {
	return len(r.Removed) == 0 && len(r.Modified) == 0 && len(r.Added) == 0
}

// Supervisor is the registry of service groups.
type Supervisor struct {
	opts []Option

	// opMx is held exclusively by Reload and Exit, shared by service operations
	opMx   sync.RWMutex
	exited bool

	mx     sync.RWMutex
	config model.Config
	names  []string
	groups map[string]*Group
}

// New builds a STOPPED group for every configured service. Nothing runs until Start.
func New(cfg model.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		opts:   opts,
		config: cfg,
		groups: make(map[string]*Group, len(cfg.Services)),
	}
	for _, name := range cfg.Names() {
		s.names = append(s.names, name)
		s.groups[name] = NewGroup(name, cfg.Services[name], opts...)
	}
	return s
}

// Start starts every autostart service concurrently and returns when all
// start attempts are decided.
func (s *Supervisor) Start(ctx context.Context) {
	s.opMx.RLock()
	defer s.opMx.RUnlock()
	if s.exited {
		return
	}
	var autostart []*Group
	for _, g := range s.ordered() {
		if g.Config().AutoStart {
			autostart = append(autostart, g)
		}
	}
	slog.InfoContext(ctx, "starting services", "count", len(autostart))
	parallel.Each(ctx, autostart, func(ctx context.Context, g *Group) {
		g.Start(serviceContext(ctx, g.Name()))
	})
}

// Config returns the active configuration.
func (s *Supervisor) Config() model.Config {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.config
}

// States lists all instances in registration order of services and
// ascending index within a service.
func (s *Supervisor) States() []InstanceState {
	var ret []InstanceState
	for _, g := range s.ordered() {
		ret = append(ret, g.States()...)
	}
	return ret
}

// Status is the text report of States, see FormatStatus.
func (s *Supervisor) Status() string {
	return FormatStatus(s.States())
}

func (s *Supervisor) StartService(ctx context.Context, name string) (Summary, bool) {
	s.opMx.RLock()
	defer s.opMx.RUnlock()
	g, ok := s.group(name)
	if !ok {
		return Summary{}, false
	}
	g.Start(serviceContext(ctx, name))
	return Summary{Name: name, Instances: len(g.States())}, true
}

func (s *Supervisor) StopService(ctx context.Context, name string) (string, bool) {
	s.opMx.RLock()
	defer s.opMx.RUnlock()
	g, ok := s.group(name)
	if !ok {
		return "", false
	}
	g.Stop(serviceContext(ctx, name))
	return name, true
}

func (s *Supervisor) RestartService(ctx context.Context, name string) (Summary, bool) {
	s.opMx.RLock()
	defer s.opMx.RUnlock()
	g, ok := s.group(name)
	if !ok {
		return Summary{}, false
	}
	g.Restart(serviceContext(ctx, name))
	return Summary{Name: name, Instances: len(g.States())}, true
}

// Reload reconciles the registry with cfg. Unchanged services are not
// touched. Removed and modified services are stopped, then modified and added
// ones are rebuilt and started if autostart is set. The active configuration
// is replaced before any process is stopped.
func (s *Supervisor) Reload(ctx context.Context, cfg model.Config) ReloadResult {
	s.opMx.Lock()
	defer s.opMx.Unlock()

	s.mx.Lock()
	if s.exited {
		s.mx.Unlock()
		return Diff(cfg, cfg)
	}
	diff := Diff(s.config, cfg)
	s.config = cfg
	stopping := make([]*Group, 0, len(diff.Removed)+len(diff.Modified))
	for _, name := range slices.Concat(diff.Removed, diff.Modified) {
		if g, ok := s.groups[name]; ok {
			stopping = append(stopping, g)
		}
	}
	s.mx.Unlock()

	slog.InfoContext(ctx, "reloading configuration",
		"removed", diff.Removed, "modified", diff.Modified, "added", diff.Added)

	parallel.Each(ctx, stopping, func(ctx context.Context, g *Group) {
		ctx = serviceContext(ctx, g.Name())
		g.Stop(ctx)
		if err := g.Close(); err != nil {
			slog.WarnContext(ctx, "closing output failed", "error", err)
		}
	})

	fresh := make([]*Group, 0, len(diff.Modified)+len(diff.Added))
	for _, name := range slices.Concat(diff.Modified, diff.Added) {
		fresh = append(fresh, NewGroup(name, cfg.Services[name], s.opts...))
	}

	s.mx.Lock()
	for _, name := range diff.Removed {
		delete(s.groups, name)
		s.names = slices.DeleteFunc(s.names, func(n string) bool { return n == name })
	}
	for _, g := range fresh {
		if _, ok := s.groups[g.Name()]; !ok {
			s.names = append(s.names, g.Name())
		}
		s.groups[g.Name()] = g
	}
	s.mx.Unlock()

	autostart := slices.DeleteFunc(slices.Clone(fresh), func(g *Group) bool {
		return !g.Config().AutoStart
	})
	parallel.Each(ctx, autostart, func(ctx context.Context, g *Group) {
		g.Start(serviceContext(ctx, g.Name()))
	})
	return diff
}

// Exit stops all services concurrently and releases their output files.
// Processes are gone once Exit returns and later service operations report
// not found.
func (s *Supervisor) Exit(ctx context.Context) {
	s.opMx.Lock()
	defer s.opMx.Unlock()
	s.exited = true

	groups := s.ordered()
	slog.InfoContext(ctx, "stopping all services", "count", len(groups))
	parallel.Each(ctx, groups, func(ctx context.Context, g *Group) {
		ctx = serviceContext(ctx, g.Name())
		g.Stop(ctx)
		if err := g.Close(); err != nil {
			slog.WarnContext(ctx, "closing output failed", "error", err)
		}
	})
}

// Diff compares service definitions of two configurations. Removed names
// keep the order of old, modified and added names the order of updated.
func Diff(old, updated model.Config) ReloadResult {
	ret := ReloadResult{
		Removed:  []string{},
		Modified: []string{},
		Added:    []string{},
	}
	for _, name := range old.Names() {
		if _, ok := updated.Services[name]; !ok {
			ret.Removed = append(ret.Removed, name)
		}
	}
	for _, name := range updated.Names() {
		prev, ok := old.Services[name]
		switch {
		case !ok:
			ret.Added = append(ret.Added, name)
		case !cmp.Equal(prev, updated.Services[name], cmpopts.EquateEmpty()):
			ret.Modified = append(ret.Modified, name)
		}
	}
	return ret
}

func (s *Supervisor) group(name string) (*Group, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.exited {
		return nil, false
	}
	g, ok := s.groups[name]
	return g, ok
}

func (s *Supervisor) ordered() []*Group {
	s.mx.RLock()
	defer s.mx.RUnlock()
	ret := make([]*Group, 0, len(s.names))
	for _, name := range s.names {
		ret = append(ret, s.groups[name])
	}
	return ret
}

func serviceContext(ctx context.Context, name string) context.Context {
	return log.ContextAttrs(ctx, slog.String("service", name))
}
