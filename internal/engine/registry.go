package engine

import (
	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/provisioner"
)

// State is a container's lifecycle state. States advance monotonically
// until StateDestroying, which is terminal.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StatePreparing    State = "PREPARING"
	StateIsolating    State = "ISOLATING"
	StateFetching     State = "FETCHING"
	StateRunning      State = "RUNNING"
	StateDestroying   State = "DESTROYING"
)

// Container is the engine's per-container record. All fields are
// guarded by the engine mutex; the futures themselves are safe to
// wait on outside it.
type Container struct {
	id        ctr.ID
	state     State
	config    *ctr.Config
	resources ctr.Resources
	directory string

	// pid of the container init; 0 until forked, set at most once.
	pid int

	// status settles with the init's wait status when the pid is
	// reaped. A nil value means the status is unknown.
	status *future[*int]

	// provisioning settles when image provisioning finishes. Nil when
	// no image was requested.
	provisioning *future[*provisioner.ProvisionInfo]

	// launchInfos settles with the per-isolator prepare contributions.
	launchInfos *future[[]*ctr.LaunchInfo]

	// isolation settles when the parallel isolate step finishes.
	isolation *future[struct{}]

	// children holds the IDs nested directly under this container.
	children map[string]ctr.ID

	// limitations accumulates isolator-reported policy breaches.
	limitations []ctr.Limitation

	// termination settles exactly once when the container is finally
	// destroyed (or fails with the destroy error).
	termination *future[*ctr.Termination]

	// sequence serializes status requests for this container.
	sequence *sequence

	// prepared lists the isolators whose Prepare succeeded, in call
	// order. Cleanup walks it in reverse.
	prepared []isolator.Isolator

	// checkpointed records whether a meta run row was written.
	checkpointed bool
}

// registry is the in-memory table of live containers. It is not
// self-locking; the engine serializes access.
type registry struct {
	containers map[string]*Container
}

func newRegistry() *registry {
	return &registry{containers: make(map[string]*Container)}
}

func (r *registry) get(id ctr.ID) (*Container, bool) {
	c, ok := r.containers[id.String()]
	return c, ok
}

// insert adds a container and links it into its parent's children set
// when the parent is present.
func (r *registry) insert(c *Container) {
	r.containers[c.id.String()] = c
	if c.id.HasParent() {
		if parent, ok := r.containers[c.id.Parent.String()]; ok {
			parent.children[c.id.String()] = c.id
		}
	}
}

// remove deletes a container and unlinks it from its parent.
func (r *registry) remove(id ctr.ID) {
	delete(r.containers, id.String())
	if id.HasParent() {
		if parent, ok := r.containers[id.Parent.String()]; ok {
			delete(parent.children, id.String())
		}
	}
}

func (r *registry) ids() []ctr.ID {
	ids := make([]ctr.ID, 0, len(r.containers))
	for _, c := range r.containers {
		ids = append(ids, c.id)
	}
	return ids
}

// relink rebuilds every parent's children set from the stored IDs.
// Used after recovery, where insertion order is not parent-first.
func (r *registry) relink() {
	for _, c := range r.containers {
		if !c.id.HasParent() {
			continue
		}
		if parent, ok := r.containers[c.id.Parent.String()]; ok {
			parent.children[c.id.String()] = c.id
		}
	}
}
