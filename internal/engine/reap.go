package engine

import (
	"fmt"
	"syscall"
	"time"

	ctr "github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/paths"
)

// reapPollInterval paces the liveness poll on a container init pid.
const reapPollInterval = 100 * time.Millisecond

// reap returns a future that settles with the container init's exit
// status once the pid is gone. The status is the one the launch helper
// checkpointed into the runtime directory; the pid's own wait status
// is not collected. A missing status file means the init was killed
// before it could checkpoint, so an exit-by-SIGKILL is synthesized.
// When the runtime directory is gone the status is nil (unknown).
func (e *Engine) reap(id ctr.ID, pid int) *future[*int] {
	f := newFuture[*int]()
	go func() {
		awaitExit(pid)
		f.complete(e.exitStatus(id))
	}()
	return f
}

func (e *Engine) exitStatus(id ctr.ID) (*int, error) {
	if !paths.RuntimeExists(e.cfg.RuntimeDir, id) {
		return nil, nil
	}

	status, found, err := paths.ReadStatus(e.cfg.RuntimeDir, id)
	if err != nil {
		return nil, fmt.Errorf("read checkpointed status: %w", err)
	}
	if found {
		return &status, nil
	}

	killed := int(syscall.SIGKILL)
	return &killed, nil
}

// awaitExit polls until the pid no longer names a live process.
func awaitExit(pid int) {
	for {
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			return
		}
		time.Sleep(reapPollInterval)
	}
}
