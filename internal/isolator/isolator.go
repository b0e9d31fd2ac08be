// Package isolator defines the pluggable isolation interface the
// engine drives: Prepare runs serially in pipeline order before fork,
// Isolate/Update/Usage/Status run in parallel against a live pid, and
// Cleanup runs serially in reverse order during destroy.
package isolator

import (
	"strings"

	"github.com/rowanhq/stevedore/internal/container"
)

// ContainerState describes a recovered container handed to Recover.
type ContainerState struct {
	ID        container.ID
	PID       int
	Directory string
	Executor  *container.ExecutorInfo
}

// Isolator attaches, monitors, updates, and detaches one facet of
// container isolation.
type Isolator interface {
	// Name identifies the isolation kind, e.g. "filesystem/posix" or
	// "cgroups/mem". Filesystem-class isolators are ordered to the
	// front of the pipeline.
	Name() string

	// SupportsNesting reports whether the isolator handles nested
	// containers. Non-nesting isolators are skipped for nested
	// containers in every engine operation.
	SupportsNesting() bool

	// Recover reconciles the isolator with recovered containers and
	// known orphans.
	Recover(states []ContainerState, orphans []container.ID) error

	// Prepare is called before fork and may contribute a LaunchInfo.
	// A nil LaunchInfo means no contribution.
	Prepare(id container.ID, config *container.Config) (*container.LaunchInfo, error)

	// Isolate attaches the isolation to the forked init pid.
	Isolate(id container.ID, pid int) error

	// Watch returns a channel that delivers at most one limitation
	// when the container breaches this isolator's policy. The channel
	// is closed without a send when the container is cleaned up.
	Watch(id container.ID) <-chan container.Limitation

	// Update adjusts the isolation to a new resource allocation.
	Update(id container.ID, resources container.Resources) error

	// Usage samples current resource statistics.
	Usage(id container.ID) (*container.ResourceStatistics, error)

	// Status reports runtime status.
	Status(id container.ID) (*container.Status, error)

	// Cleanup detaches the isolation. Called once per container during
	// destroy, after all container processes have exited.
	Cleanup(id container.ID) error
}

// Order arranges isolators for the pipeline: filesystem-class
// isolators move to the front, everything else keeps its declared
// position.
func Order(isolators []Isolator) []Isolator {
	fs := make([]Isolator, 0, 1)
	rest := make([]Isolator, 0, len(isolators))
	for _, i := range isolators {
		if strings.HasPrefix(i.Name(), "filesystem/") {
			fs = append(fs, i)
		} else {
			rest = append(rest, i)
		}
	}
	return append(fs, rest...)
}

// Base is a no-op Isolator for embedding. Implementations override
// the methods they care about.
type Base struct {
	IsolatorName string
	Nesting      bool
}

func (b Base) Name() string          { return b.IsolatorName }
func (b Base) SupportsNesting() bool { return b.Nesting }

func (Base) Recover([]ContainerState, []container.ID) error { return nil }

func (Base) Prepare(container.ID, *container.Config) (*container.LaunchInfo, error) {
	return nil, nil
}

func (Base) Isolate(container.ID, int) error { return nil }

// Watch returns a channel that never delivers a limitation. Base keeps
// no per-container state, so the channel is not closed on Cleanup.
func (Base) Watch(container.ID) <-chan container.Limitation {
	ch := make(chan container.Limitation)
	return ch
}

func (Base) Update(container.ID, container.Resources) error { return nil }

func (Base) Usage(container.ID) (*container.ResourceStatistics, error) {
	return &container.ResourceStatistics{}, nil
}

func (Base) Status(container.ID) (*container.Status, error) {
	return &container.Status{}, nil
}

func (Base) Cleanup(container.ID) error { return nil }
