package engine

import (
	"errors"
	"fmt"
	"log"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/paths"
)

// Destroy tears a container down. It is idempotent: destroying an
// unknown container returns false with a warning, and a concurrent
// destroy short-circuits to the pending termination. Destroy blocks
// until the termination settles; a failed teardown returns the
// termination error and leaves the container registered so operators
// can observe the stuck state.
func (e *Engine) Destroy(id ctr.ID) (bool, error) {
	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok {
		e.mu.Unlock()
		log.Printf("engine: attempted to destroy unknown container %s", id)
		return false, nil
	}

	term := c.termination
	if c.state == StateDestroying {
		e.mu.Unlock()
		_, err := term.wait()
		return true, err
	}

	log.Printf("engine: destroying container %s in %s state", id, c.state)

	previous := c.state
	e.setStateLocked(c, StateDestroying)

	children := make([]ctr.ID, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	e.mu.Unlock()

	go e.unwind(c, previous, children)

	_, err := term.wait()
	return true, err
}

// unwind runs the stage-aware teardown for one container.
func (e *Engine) unwind(c *Container, previous State, children []ctr.ID) {
	// Children are destroyed fully before any teardown stage of the
	// parent begins.
	if len(children) > 0 {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var errs []string
		for _, child := range children {
			wg.Add(1)
			go func(child ctr.ID) {
				defer wg.Done()
				if _, err := e.Destroy(child); err != nil {
					mu.Lock()
					errs = append(errs, err.Error())
					mu.Unlock()
				}
			}(child)
		}
		wg.Wait()
		if len(errs) > 0 {
			e.failDestroy(c, "failed to destroy nested containers: "+joinErrors(errs))
			return
		}
	}

	e.mu.Lock()
	provisioning := c.provisioning
	launchInfos := c.launchInfos
	isolation := c.isolation
	status := c.status
	e.mu.Unlock()

	switch previous {
	case StateProvisioning:
		// Wait out the provisioner; success or failure is irrelevant.
		// Nothing was prepared and nothing was forked, so teardown
		// goes straight to the provisioner.
		if provisioning != nil {
			provisioning.wait()
		}
		e.finishDestroy(c)
		return

	case StatePreparing:
		// The launcher may have already forked. Flipping the state to
		// DESTROYING makes isolate fail and the launch pipe close, so
		// the helper exits on its own; wait for the prepare chain and
		// the exit before cleaning up isolators.
		if launchInfos != nil {
			launchInfos.wait()
		}
		if !e.awaitReap(c, status) {
			return
		}
		e.finishDestroy(c)
		return

	case StateIsolating:
		if isolation != nil {
			isolation.wait()
		}

	case StateFetching:
		e.fetcher.Kill(c.id)

	case StateRunning:
	}

	// Kill all processes in the container, bounded by the destroy
	// timeout. If the kill fails or hangs the isolators cannot be
	// cleaned up safely, so the termination is failed instead.
	killed := make(chan error, 1)
	go func() { killed <- e.launcher.Destroy(c.id) }()

	var killErr error
	if d := e.cfg.DestroyTimeout; d > 0 {
		timer := time.NewTimer(d)
		select {
		case killErr = <-killed:
			timer.Stop()
		case <-timer.C:
			e.failDestroy(c, fmt.Sprintf(
				"timed out after %v waiting for the launcher to kill all processes in the container", d))
			return
		}
	} else {
		killErr = <-killed
	}
	if killErr != nil {
		e.failDestroy(c, fmt.Sprintf("failed to kill all processes in the container: %v", killErr))
		return
	}

	// Wait for the reap so isolators may inspect a dead process.
	if !e.awaitReap(c, status) {
		return
	}

	e.finishDestroy(c)
}

// awaitReap waits for a container's status future, bounded by the
// destroy timeout. On timeout the termination is failed and false is
// returned.
func (e *Engine) awaitReap(c *Container, status *future[*int]) bool {
	if status == nil {
		return true
	}
	if d := e.cfg.DestroyTimeout; d > 0 {
		if _, _, ok := status.waitWithin(d); !ok {
			e.failDestroy(c, fmt.Sprintf(
				"timed out after %v waiting for the container init to be reaped", d))
			return false
		}
		return true
	}
	status.wait()
	return true
}

// finishDestroy cleans up isolators (reverse prepare order,
// best-effort), destroys the provisioned rootfs, composes the
// termination, checkpoints or removes the runtime directory, and
// removes the container from the registry.
func (e *Engine) finishDestroy(c *Container) {
	e.mu.Lock()
	prepared := make([]isolator.Isolator, len(c.prepared))
	copy(prepared, c.prepared)
	e.mu.Unlock()

	var errs []string
	for i := len(prepared) - 1; i >= 0; i-- {
		if err := prepared[i].Cleanup(c.id); err != nil {
			errs = append(errs, fmt.Sprintf("isolator %s: %v", prepared[i].Name(), err))
		}
	}
	if len(errs) > 0 {
		e.failDestroy(c, "failed to clean up an isolator when destroying container: "+joinErrors(errs))
		return
	}

	if _, err := e.provisioner.Destroy(c.id); err != nil {
		e.failDestroy(c, fmt.Sprintf("failed to destroy the provisioned rootfs: %v", err))
		return
	}

	term := &ctr.Termination{}

	e.mu.Lock()
	if c.status != nil && c.status.ready() {
		if st, err := c.status.wait(); err == nil && st != nil {
			status := *st
			term.Status = &status
		}
	}
	// A limitation may race the executor's own exit and not be seen
	// in time; whatever was recorded is included.
	if len(c.limitations) > 0 {
		term.State = ctr.TaskFailed
		messages := make([]string, 0, len(c.limitations))
		for _, lim := range c.limitations {
			messages = append(messages, lim.Message)
			if lim.Reason != "" {
				term.Reasons = append(term.Reasons, lim.Reason)
			}
		}
		term.Message = joinErrors(messages)
	}
	id := c.id
	checkpointed := c.checkpointed
	e.mu.Unlock()

	// Nested containers keep their runtime directory (with the
	// termination checkpointed into it) until the root goes away;
	// removing a root directory sweeps every descendant.
	if id.HasParent() {
		if err := paths.CheckpointTermination(e.cfg.RuntimeDir, id, term); err != nil {
			log.Printf("engine: failed to checkpoint termination of nested container %s: %v", id, err)
		}
	} else if paths.RuntimeExists(e.cfg.RuntimeDir, id) {
		if err := paths.RemoveRuntime(e.cfg.RuntimeDir, id); err != nil {
			log.Printf("engine: failed to remove runtime directory of container %s: %v", id, err)
		}
	}

	if checkpointed && e.meta != nil {
		if err := e.meta.MarkCompleted(id.String()); err != nil {
			log.Printf("engine: failed to mark run %s completed: %v", id, err)
		}
	}

	e.mu.Lock()
	e.registry.remove(id)
	e.mu.Unlock()

	if e.events != nil {
		e.events.Append(id.String(), "", "destroyed")
	}

	c.termination.complete(term, nil)
}

// failDestroy fails the termination and leaves the container in the
// registry. There are no retries.
func (e *Engine) failDestroy(c *Container, message string) {
	log.Printf("engine: destroy of container %s failed: %s", c.id, message)
	e.metrics.ContainerDestroyErrors.Inc()
	c.termination.complete(nil, errors.New(message))
}

// reaped is invoked when a container's init exits; the exit triggers
// a destroy.
func (e *Engine) reaped(id ctr.ID) {
	e.mu.Lock()
	_, ok := e.registry.get(id)
	e.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("engine: container %s has exited", id)
	e.Destroy(id)
}

// limited records an isolator-reported limitation and initiates a
// destroy.
func (e *Engine) limited(id ctr.ID, limitation ctr.Limitation) {
	e.mu.Lock()
	c, ok := e.registry.get(id)
	if !ok || c.state == StateDestroying {
		e.mu.Unlock()
		return
	}
	log.Printf("engine: container %s has reached its limit (%s) and will be terminated",
		id, limitation.Message)
	c.limitations = append(c.limitations, limitation)
	e.mu.Unlock()

	e.Destroy(id)
}

func (e *Engine) watchReaped(id ctr.ID, status *future[*int]) {
	status.wait()
	e.reaped(id)
}

func (e *Engine) watchLimitation(iso limitationWatcher, id ctr.ID) {
	limitation, ok := <-iso.Watch(id)
	if !ok {
		return
	}
	e.limited(id, limitation)
}

// limitationWatcher is the slice of the isolator interface the
// limitation goroutine needs.
type limitationWatcher interface {
	Watch(id ctr.ID) <-chan ctr.Limitation
}

// chownToUser changes ownership of path to the named user, resolving
// uid and gid through the system user database.
func chownToUser(path, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	return syscall.Chown(path, uid, gid)
}
