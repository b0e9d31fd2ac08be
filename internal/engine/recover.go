package engine

import (
	"fmt"
	"log"
	"os"

	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
	"github.com/rowanhq/stevedore/internal/paths"
	"github.com/rowanhq/stevedore/internal/state"
)

// Recover reconciles the persisted agent state, the runtime
// directory, and the launcher's notion of live processes, rebuilding
// the registry. Containers the agent knows about come back as
// RUNNING; containers only the runtime directory or the launcher
// knows about are orphans and are destroyed. Any step failing fails
// recovery; the agent restarts.
func (e *Engine) Recover(agentState *state.AgentState) error {
	log.Printf("engine: recovering containerizer")

	// Gather recoverable runs from the agent state.
	var recoverable []isolator.ContainerState
	if agentState != nil {
		for _, framework := range agentState.Frameworks {
			for _, executor := range framework.Executors {
				if executor.Info == nil {
					log.Printf("engine: skipping recovery of executor %q of framework %s: no info",
						executor.ID, framework.ID)
					continue
				}
				run := executor.LatestRun
				if run == nil {
					log.Printf("engine: skipping recovery of executor %q of framework %s: no latest run",
						executor.ID, framework.ID)
					continue
				}
				// Without a pid there is nothing to reap; the agent's
				// wait will observe an unknown container and clean up.
				if run.ForkedPID == nil {
					continue
				}
				if run.Completed {
					continue
				}
				if info := executor.Info.Container; info != nil && info.Type != "" && info.Type != ctr.TypeNative {
					log.Printf("engine: skipping recovery of executor %q of framework %s: not ours",
						executor.ID, framework.ID)
					continue
				}
				if _, err := os.Stat(run.Directory); err != nil {
					return fmt.Errorf("sandbox of container %s missing: %w", run.ContainerID, err)
				}

				log.Printf("engine: recovering container %s for executor %q of framework %s",
					run.ContainerID, executor.ID, framework.ID)

				recoverable = append(recoverable, isolator.ContainerState{
					ID:        run.ContainerID,
					PID:       *run.ForkedPID,
					Directory: run.Directory,
					Executor:  executor.Info,
				})
			}
		}
	}

	// The pid is only checkpointed after a successful fork, so
	// checkpointed containers are running after recover.
	alive := make(map[string]bool, len(recoverable))
	e.mu.Lock()
	for _, s := range recoverable {
		alive[s.ID.String()] = true
		c := &Container{
			id:           s.ID,
			state:        StateRunning,
			config:       &ctr.Config{Executor: s.Executor, Directory: s.Directory},
			directory:    s.Directory,
			pid:          s.PID,
			status:       e.reaper(s.ID, s.PID),
			children:     make(map[string]ctr.ID),
			termination:  newFuture[*ctr.Termination](),
			sequence:     newSequence(),
			prepared:     e.applicable(s.ID),
			checkpointed: true,
		}
		e.registry.insert(c)
	}
	e.mu.Unlock()

	// Reconcile with the runtime directory. Containers found there
	// but unknown to the agent are orphans, unless they are nested
	// under a live root (then isolators still need to see them) or
	// already finalized (checkpointed termination).
	runtimeIds, err := paths.ContainerIDs(e.cfg.RuntimeDir)
	if err != nil {
		return err
	}

	var orphans []ctr.ID
	for _, id := range runtimeIds {
		if alive[id.String()] {
			continue
		}
		if paths.HasTermination(e.cfg.RuntimeDir, id) {
			// A destroyed nested container whose runtime directory
			// outlives it; waits are served from the checkpoint.
			continue
		}

		pid, hasPid, err := paths.ReadPid(e.cfg.RuntimeDir, id)
		if err != nil {
			return fmt.Errorf("read pid of container %s: %w", id, err)
		}

		var directory string
		if id.HasParent() && alive[id.Root().String()] {
			e.mu.Lock()
			if root, ok := e.registry.get(id.Root()); ok {
				directory = paths.SandboxPath(root.directory, id)
			}
			e.mu.Unlock()
		}

		c := &Container{
			id:          id,
			state:       StateRunning,
			config:      &ctr.Config{Directory: directory},
			directory:   directory,
			children:    make(map[string]ctr.ID),
			termination: newFuture[*ctr.Termination](),
			sequence:    newSequence(),
			prepared:    e.applicable(id),
		}
		if hasPid {
			c.pid = pid
			c.status = e.reaper(id, pid)
		} else {
			// The agent crashed between fork and checkpoint; the
			// child exits on its own when the launch pipe closes.
			c.status = completedFuture[*int](nil)
		}

		e.mu.Lock()
		e.registry.insert(c)
		e.mu.Unlock()

		if id.HasParent() && alive[id.Root().String()] && hasPid {
			recoverable = append(recoverable, isolator.ContainerState{
				ID:        id,
				PID:       pid,
				Directory: directory,
			})
			continue
		}
		orphans = append(orphans, id)
	}

	// The launcher may know live containers the engine does not.
	launcherOrphans, err := e.launcher.Recover(recoverable)
	if err != nil {
		return fmt.Errorf("launcher recover: %w", err)
	}
	known := make(map[string]bool, len(orphans))
	for _, id := range orphans {
		known[id.String()] = true
	}
	for _, id := range launcherOrphans {
		if known[id.String()] {
			continue
		}
		e.mu.Lock()
		if _, ok := e.registry.get(id); !ok {
			e.registry.insert(&Container{
				id:          id,
				state:       StateRunning,
				config:      &ctr.Config{},
				children:    make(map[string]ctr.ID),
				status:      completedFuture[*int](nil),
				termination: newFuture[*ctr.Termination](),
				sequence:    newSequence(),
			})
		}
		e.mu.Unlock()
		orphans = append(orphans, id)
	}

	if err := e.recoverIsolators(recoverable, orphans); err != nil {
		return err
	}

	knownIds := make([]ctr.ID, 0, len(recoverable)+len(orphans))
	for _, s := range recoverable {
		knownIds = append(knownIds, s.ID)
	}
	knownIds = append(knownIds, orphans...)
	if err := e.provisioner.Recover(knownIds); err != nil {
		return fmt.Errorf("provisioner recover: %w", err)
	}

	// Install limitation watchers and loggers for recovered
	// containers, re-link parent/child relations, and only then
	// install the reap callbacks: destroy relies on the children sets
	// to tear down bottom-up.
	for _, s := range recoverable {
		for _, iso := range e.applicable(s.ID) {
			go e.watchLimitation(iso, s.ID)
		}
		if !s.ID.HasParent() {
			if err := e.logger.Recover(s.Executor, s.Directory); err != nil {
				log.Printf("engine: container logger failed to recover executor of %s: %v", s.ID, err)
			}
		}
	}

	e.mu.Lock()
	e.registry.relink()
	var watch []struct {
		id     ctr.ID
		status *future[*int]
	}
	for _, id := range e.registry.ids() {
		if c, ok := e.registry.get(id); ok && c.status != nil {
			watch = append(watch, struct {
				id     ctr.ID
				status *future[*int]
			}{id, c.status})
		}
	}
	e.mu.Unlock()

	for _, w := range watch {
		go e.watchReaped(w.id, w.status)
	}

	for _, id := range orphans {
		log.Printf("engine: cleaning up orphan container %s", id)
		go e.Destroy(id)
	}

	return nil
}

// recoverIsolators hands the recovered containers and orphans to each
// isolator, stripping nested entries for isolators that do not
// support nesting.
func (e *Engine) recoverIsolators(recoverable []isolator.ContainerState, orphans []ctr.ID) error {
	for _, iso := range e.isolators {
		states := recoverable
		orphanIds := orphans
		if !iso.SupportsNesting() {
			states = nil
			for _, s := range recoverable {
				if !s.ID.HasParent() {
					states = append(states, s)
				}
			}
			orphanIds = nil
			for _, id := range orphans {
				if !id.HasParent() {
					orphanIds = append(orphanIds, id)
				}
			}
		}
		if err := iso.Recover(states, orphanIds); err != nil {
			return fmt.Errorf("isolator %s recover: %w", iso.Name(), err)
		}
	}
	return nil
}
