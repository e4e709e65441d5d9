package service

import "time"

// DefaultBackoffDelay is the pause between a failed start and the next attempt.
const DefaultBackoffDelay = 100 * time.Millisecond

type options struct {
	spawner Spawner
	backoff time.Duration
	metrics *Metrics
}

type Option func(*options)

// WithSpawner replaces the default ExecSpawner.
func WithSpawner(s Spawner) Option {
	return func(o *options) {
		o.spawner = s
	}
}

func WithBackoffDelay(d time.Duration) Option {
	return func(o *options) {
		o.backoff = d
	}
}

// WithMetrics makes instances count transitions, kills and spawn failures.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func newOptions(opts []Option) options {
	o := options{
		spawner: ExecSpawner{},
		backoff: DefaultBackoffDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
