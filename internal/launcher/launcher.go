// Package launcher forks and kills container init processes.
package launcher

import (
	"io"
	"os"

	"github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/isolator"
)

// IO carries the stdio wiring for a fork. ExtraFiles are inherited by
// the child starting at descriptor 3; the engine uses slot 3 for the
// launch pipe's read end.
type IO struct {
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	ExtraFiles []*os.File
}

// Launcher is the low-level forker and killer of container processes.
type Launcher interface {
	// Recover reconciles the launcher with recovered containers and
	// returns any additional containers it knows about that the
	// engine does not.
	Recover(states []isolator.ContainerState) ([]container.ID, error)

	// Fork starts the launch helper for a container and returns its
	// pid. The namespaces bitmap is advisory; launchers that cannot
	// create namespaces ignore it.
	Fork(id container.ID, path string, argv []string, stdio IO,
		environment map[string]string, namespaces container.Namespaces) (int, error)

	// Destroy kills all processes in the container.
	Destroy(id container.ID) error

	// Status reports launcher-known status, at minimum the init pid.
	Status(id container.ID) (*container.Status, error)
}
