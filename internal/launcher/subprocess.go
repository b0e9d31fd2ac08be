package launcher

import (
	"fmt"
	"log"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
)

// Subprocess launches container inits as ordinary child processes in
// their own process group. Destroy kills the whole group. Namespaces
// are ignored; namespace setup belongs to isolators and the launch
// helper.
type Subprocess struct {
	mu   sync.Mutex
	pids map[string]int // container id → init pid
}

// NewSubprocess creates a subprocess launcher.
func NewSubprocess() *Subprocess {
	return &Subprocess{pids: make(map[string]int)}
}

// Recover records the pids of recovered containers. A subprocess
// launcher has no private view of containers beyond the engine's, so
// it never reports extra orphans.
func (l *Subprocess) Recover(states []isolator.ContainerState) ([]container.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range states {
		l.pids[s.ID.String()] = s.PID
	}
	return nil, nil
}

// Fork starts the launch helper in a new process group.
func (l *Subprocess) Fork(id container.ID, path string, argv []string, stdio IO,
	environment map[string]string, namespaces container.Namespaces) (int, error) {
	if namespaces != 0 {
		log.Printf("launcher: ignoring namespaces %#x for container %s", int(namespaces), id)
	}

	cmd := exec.Command(path)
	cmd.Args = argv
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.ExtraFiles = stdio.ExtraFiles
	cmd.Env = flattenEnvironment(environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	l.mu.Lock()
	l.pids[id.String()] = pid
	l.mu.Unlock()

	// Reap the child when it exits so it never lingers as a zombie.
	// The engine observes the exit through the checkpointed status
	// file, not through this wait.
	go cmd.Wait()

	log.Printf("launcher: forked container %s (pid %d)", id, pid)
	return pid, nil
}

// Destroy kills every process in the container's process group. A
// container the launcher does not know is already gone.
func (l *Subprocess) Destroy(id container.ID) error {
	l.mu.Lock()
	pid, ok := l.pids[id.String()]
	delete(l.pids, id.String())
	l.mu.Unlock()

	if !ok {
		log.Printf("launcher: destroy of unknown container %s", id)
		return nil
	}

	// Kill the process group. ESRCH means everything already exited.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		// Fall back to the single pid for inits that escaped their
		// group leadership.
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("kill container %s (pid %d): %w", id, pid, err)
		}
	}

	// Wait for the group to drain so isolator cleanup can assume dead
	// processes.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, 0); err == syscall.ESRCH {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("container %s (pid %d): processes still alive after SIGKILL", id, pid)
}

// Status reports the init pid for a known container.
func (l *Subprocess) Status(id container.ID) (*container.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pid, ok := l.pids[id.String()]
	if !ok {
		return nil, fmt.Errorf("unknown container %s", id)
	}
	return &container.Status{ExecutorPID: &pid}, nil
}

func flattenEnvironment(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
