// Package metrics exposes the engine's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's counters.
type Metrics struct {
	// ContainerDestroyErrors counts destroys that failed the
	// termination (launcher kill, isolator cleanup, or provisioner
	// destroy failures).
	ContainerDestroyErrors prometheus.Counter

	// ContainersLaunched counts launch requests that reached RUNNING.
	ContainersLaunched prometheus.Counter

	// Transitions counts lifecycle state transitions by target state.
	Transitions *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg
// leaves the metrics unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContainerDestroyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stevedore",
			Subsystem: "engine",
			Name:      "container_destroy_errors_total",
			Help:      "Number of container destroys that failed.",
		}),
		ContainersLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stevedore",
			Subsystem: "engine",
			Name:      "containers_launched_total",
			Help:      "Number of containers that reached RUNNING.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stevedore",
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions by target state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.ContainerDestroyErrors, m.ContainersLaunched, m.Transitions)
	}
	return m
}
