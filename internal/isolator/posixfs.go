package isolator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rowanhq/stevedore/internal/container"
)

// PosixFilesystem is the default filesystem isolator: it validates
// sandboxes at prepare time, remembers each container's sandbox, and
// reports sandbox disk usage. It performs no mount-level isolation.
type PosixFilesystem struct {
	mu        sync.Mutex
	sandboxes map[string]string // container id → sandbox directory
	watchers  map[string]chan container.Limitation
}

// NewPosixFilesystem creates the isolator.
func NewPosixFilesystem() *PosixFilesystem {
	return &PosixFilesystem{
		sandboxes: make(map[string]string),
		watchers:  make(map[string]chan container.Limitation),
	}
}

func (*PosixFilesystem) Name() string          { return "filesystem/posix" }
func (*PosixFilesystem) SupportsNesting() bool { return true }

// Recover re-registers the sandboxes of recovered containers.
func (p *PosixFilesystem) Recover(states []ContainerState, orphans []container.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range states {
		if s.Directory != "" {
			p.sandboxes[s.ID.String()] = s.Directory
		}
	}
	return nil
}

// Prepare verifies the sandbox exists and registers it; it contributes
// no LaunchInfo. A container with a root filesystem is rejected: this
// isolator only provides the host filesystem.
func (p *PosixFilesystem) Prepare(id container.ID, config *container.Config) (*container.LaunchInfo, error) {
	if config.Rootfs != "" {
		return nil, fmt.Errorf("container %s has a root filesystem, which filesystem/posix does not support", id)
	}
	if config.Directory == "" {
		return nil, fmt.Errorf("container %s has no sandbox directory", id)
	}
	if _, err := os.Stat(config.Directory); err != nil {
		return nil, fmt.Errorf("sandbox %q: %w", config.Directory, err)
	}

	p.mu.Lock()
	p.sandboxes[id.String()] = config.Directory
	p.mu.Unlock()
	return nil, nil
}

func (*PosixFilesystem) Isolate(container.ID, int) error { return nil }

// Watch returns the limitation channel for the container. This
// isolator never reports limitations; the channel closes on cleanup.
func (p *PosixFilesystem) Watch(id container.ID) <-chan container.Limitation {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.watchers[id.String()]
	if !ok {
		ch = make(chan container.Limitation, 1)
		p.watchers[id.String()] = ch
	}
	return ch
}

func (*PosixFilesystem) Update(container.ID, container.Resources) error { return nil }

// Usage reports the sandbox's disk footprint.
func (p *PosixFilesystem) Usage(id container.ID) (*container.ResourceStatistics, error) {
	p.mu.Lock()
	dir, ok := p.sandboxes[id.String()]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown container %s", id)
	}

	var used uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // sandbox mutates underneath us
		}
		if info, err := d.Info(); err == nil && d.Type().IsRegular() {
			used += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &container.ResourceStatistics{DiskUsedBytes: used}, nil
}

func (*PosixFilesystem) Status(container.ID) (*container.Status, error) {
	return &container.Status{}, nil
}

// Cleanup forgets the sandbox and closes the limitation channel.
func (p *PosixFilesystem) Cleanup(id container.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, id.String())
	if ch, ok := p.watchers[id.String()]; ok {
		close(ch)
		delete(p.watchers, id.String())
	}
	return nil
}
