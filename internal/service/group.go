package service

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/CZERTAINLY/taskmaster/internal/log"
	"github.com/CZERTAINLY/taskmaster/internal/model"
	"github.com/CZERTAINLY/taskmaster/internal/parallel"
)

// InstanceState is a point in time view of one instance.
type InstanceState struct {
	Service string `json:"service"`
	Index   int    `json:"index"`
	State   State  `json:"state"`
}

func (s InstanceState) ID() string {
	return s.Service + "#" + strconv.Itoa(s.Index)
}

// Group is the set of numprocs instances of one service. Operations fan out
// to all instances concurrently and return when every instance is done.
type Group struct {
	name      string
	config    model.Service
	instances []*Instance
	outputs   []io.Closer
}

// NewGroup builds the STOPPED instances of a service. Configured stdout and
// stderr paths are opened lazily as rotated files shared by all instances.
func NewGroup(name string, cfg model.Service, opts ...Option) *Group {
	o := newOptions(opts)
	g := &Group{
		name:   name,
		config: cfg,
	}

	stdout := g.output(cfg.Stdout, nil, nil)
	stderr := g.output(cfg.Stderr, cfg.Stdout, stdout)

	g.instances = make([]*Instance, 0, cfg.NumProcs)
	for idx := 1; idx <= cfg.NumProcs; idx++ {
		g.instances = append(g.instances, newInstance(name, idx, cfg, o, stdout, stderr))
	}
	return g
}

// output returns a writer for path, reusing shared when path equals sharedPath.
func (g *Group) output(path, sharedPath *string, shared io.Writer) io.Writer {
	if path == nil || *path == "" {
		return nil
	}
	if sharedPath != nil && *sharedPath == *path && shared != nil {
		return shared
	}
	file := log.NewRotatingFile(*path)
	g.outputs = append(g.outputs, file)
	return file
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Config() model.Service {
	return g.config
}

func (g *Group) Instances() []*Instance {
	return g.instances
}

func (g *Group) Len() int {
	return len(g.instances)
}

func (g *Group) Start(ctx context.Context) {
	parallel.Each(ctx, g.instances, func(ctx context.Context, i *Instance) {
		i.Start(ctx)
	})
}

func (g *Group) Stop(ctx context.Context) {
	parallel.Each(ctx, g.instances, func(ctx context.Context, i *Instance) {
		i.Stop(ctx)
	})
}

func (g *Group) Restart(ctx context.Context) {
	parallel.Each(ctx, g.instances, func(ctx context.Context, i *Instance) {
		i.Restart(ctx)
	})
}

func (g *Group) States() []InstanceState {
	ret := make([]InstanceState, 0, len(g.instances))
	for _, i := range g.instances {
		ret = append(ret, InstanceState{Service: g.name, Index: i.Index(), State: i.State()})
	}
	return ret
}

// Close releases the output files. It does not stop the instances.
func (g *Group) Close() error {
	var errs []error
	for _, c := range g.outputs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
