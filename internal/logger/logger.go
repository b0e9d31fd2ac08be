// Package logger prepares stdio destinations for container processes.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rowanhq/stevedore/internal/container"
)

// SubprocessInfo carries the stdio destinations for a container's
// init process.
type SubprocessInfo struct {
	Stdout *os.File
	Stderr *os.File
}

// ContainerLogger prepares log destinations for containers and
// re-attaches after recovery.
type ContainerLogger interface {
	// Recover re-attaches logging for a recovered container. Failures
	// are reported to the caller, which logs a warning and continues.
	Recover(executor *container.ExecutorInfo, directory string) error

	// Prepare opens the stdio destinations for a container about to
	// be forked. The engine hands them to the launcher and closes its
	// own copies once the fork returns; the forked child keeps the
	// inherited descriptors.
	Prepare(executor *container.ExecutorInfo, directory string) (*SubprocessInfo, error)
}

// Sandbox logs container output to `stdout` and `stderr` files in the
// sandbox directory.
type Sandbox struct{}

// NewSandbox creates a sandbox file logger.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Recover verifies the sandbox still exists. Nothing to re-attach:
// the files were inherited by the running container at fork time.
func (*Sandbox) Recover(executor *container.ExecutorInfo, directory string) error {
	if _, err := os.Stat(directory); err != nil {
		return fmt.Errorf("sandbox missing: %w", err)
	}
	return nil
}

// Prepare opens (appending) the sandbox stdout and stderr files.
func (*Sandbox) Prepare(executor *container.ExecutorInfo, directory string) (*SubprocessInfo, error) {
	stdout, err := os.OpenFile(filepath.Join(directory, "stdout"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(directory, "stderr"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("open stderr: %w", err)
	}
	return &SubprocessInfo{Stdout: stdout, Stderr: stderr}, nil
}
