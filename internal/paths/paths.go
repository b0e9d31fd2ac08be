// Package paths owns the engine's on-disk runtime directory: the
// per-container area holding the checkpointed pid, the init exit
// status written by the launch helper, and the termination record of
// destroyed nested containers. Nested containers are laid out
// hierarchically so removing a root directory reclaims every
// descendant:
//
//	<runtime_root>/containers/<rootId>/
//	  pid
//	  status
//	  termination
//	  containers/<childId>/...
package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rowanhq/stevedore/internal/container"
)

const (
	containersDir   = "containers"
	pidFile         = "pid"
	statusFile      = "status"
	terminationFile = "termination"
)

// RuntimePath returns a container's runtime directory under root.
func RuntimePath(root string, id container.ID) string {
	path := root
	for _, a := range id.Ancestry() {
		path = filepath.Join(path, containersDir, a.Value)
	}
	return path
}

// SandboxPath returns the deterministic sandbox location of a nested
// container under its root container's sandbox.
func SandboxPath(rootSandbox string, id container.ID) string {
	ancestry := id.Ancestry()
	path := rootSandbox
	for _, a := range ancestry[1:] {
		path = filepath.Join(path, containersDir, a.Value)
	}
	return path
}

// CreateRuntime creates the runtime directory for a container.
func CreateRuntime(root string, id container.ID) error {
	if err := os.MkdirAll(RuntimePath(root, id), 0700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	return nil
}

// RemoveRuntime removes a container's runtime directory, including the
// directories of any nested containers beneath it.
func RemoveRuntime(root string, id container.ID) error {
	return os.RemoveAll(RuntimePath(root, id))
}

// CheckpointPid writes the forked init pid into the runtime directory.
func CheckpointPid(root string, id container.ID, pid int) error {
	return checkpoint(filepath.Join(RuntimePath(root, id), pidFile), strconv.Itoa(pid))
}

// ReadPid reads the checkpointed pid. The second return is false when
// no pid was checkpointed (the agent crashed between fork and
// checkpoint).
func ReadPid(root string, id container.ID) (int, bool, error) {
	return readInt(filepath.Join(RuntimePath(root, id), pidFile))
}

// ReadStatus reads the init exit status checkpointed by the launch
// helper. The second return is false when the helper never wrote it.
func ReadStatus(root string, id container.ID) (int, bool, error) {
	return readInt(filepath.Join(RuntimePath(root, id), statusFile))
}

// WriteStatus checkpoints the init exit status. Called by the launch
// helper, not the engine.
func WriteStatus(runtimeDir string, status int) error {
	return checkpoint(filepath.Join(runtimeDir, statusFile), strconv.Itoa(status))
}

// CheckpointTermination persists a nested container's termination so
// later waits observe it after the container is gone from the registry.
func CheckpointTermination(root string, id container.ID, t *container.Termination) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode termination: %w", err)
	}
	return checkpoint(filepath.Join(RuntimePath(root, id), terminationFile), string(data))
}

// ReadTermination reads a checkpointed termination. The second return
// is false when none was checkpointed.
func ReadTermination(root string, id container.ID) (*container.Termination, bool, error) {
	data, err := os.ReadFile(filepath.Join(RuntimePath(root, id), terminationFile))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t container.Termination
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false, fmt.Errorf("decode termination: %w", err)
	}
	return &t, true, nil
}

// HasTermination reports whether a termination was checkpointed.
func HasTermination(root string, id container.ID) bool {
	_, err := os.Stat(filepath.Join(RuntimePath(root, id), terminationFile))
	return err == nil
}

// RuntimeExists reports whether the container's runtime directory is
// on disk.
func RuntimeExists(root string, id container.ID) bool {
	_, err := os.Stat(RuntimePath(root, id))
	return err == nil
}

// ContainerIDs enumerates every container with a runtime directory
// under root, parents before children.
func ContainerIDs(root string) ([]container.ID, error) {
	var ids []container.ID
	var walk func(dir string, parent *container.ID) error
	walk = func(dir string, parent *container.ID) error {
		entries, err := os.ReadDir(filepath.Join(dir, containersDir))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id := container.ID{Value: entry.Name(), Parent: parent}
			ids = append(ids, id)
			if err := walk(filepath.Join(dir, containersDir, entry.Name()), &id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil); err != nil {
		return nil, fmt.Errorf("enumerate runtime directory: %w", err)
	}
	return ids, nil
}

// checkpoint writes content to path atomically: write a sibling temp
// file, then rename over the destination.
func checkpoint(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readInt(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, true, nil
}
