package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskmaster"

// Metrics are the process lifecycle counters. A nil *Metrics counts nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	kills         *prometheus.CounterVec
	spawnFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Number of instance state transitions by target state.",
		}, []string{"service", "state"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_kills_total",
			Help:      "Number of stops escalated to SIGKILL after stoptime.",
		}, []string{"service"}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Number of processes which could not be spawned.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.transitions, m.kills, m.spawnFailures)
	return m
}

func (m *Metrics) transition(service string, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(service, to.String()).Inc()
}

func (m *Metrics) killed(service string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(service).Inc()
}

func (m *Metrics) spawnFailed(service string) {
	if m == nil {
		return
	}
	m.spawnFailures.WithLabelValues(service).Inc()
}

// StateCollector exports the number of instances per service and state.
type StateCollector struct {
	desc   *prometheus.Desc
	states func() []InstanceState
}

func NewStateCollector(s *Supervisor) *StateCollector {
	return &StateCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances"),
			"Number of instances per service in a given state.",
			[]string{"service", "state"}, nil,
		),
		states: s.States,
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	var names []string
	counts := make(map[string]map[State]int)
	for _, is := range c.states() {
		byState, ok := counts[is.Service]
		if !ok {
			byState = make(map[State]int, len(states))
			counts[is.Service] = byState
			names = append(names, is.Service)
		}
		byState[is.State]++
	}
	for _, name := range names {
		for _, st := range states {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				float64(counts[name][st]), name, st.String())
		}
	}
}
