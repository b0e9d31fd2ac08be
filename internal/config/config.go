// Package config holds stevedored runtime configuration.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds the engine's directories and launch settings.
type Config struct {
	// WorkDir is the base directory for container sandboxes.
	WorkDir string

	// RuntimeDir is the engine's private per-container checkpoint
	// area used for crash recovery.
	RuntimeDir string

	// MetaDBPath is the path to the SQLite agent meta database.
	MetaDBPath string

	// ProvisionerDir is the root for provisioned image rootfs
	// directories.
	ProvisionerDir string

	// EventsDir is the directory for per-container lifecycle event
	// logs.
	EventsDir string

	// LauncherDir is the directory containing the stevedore-init
	// launch helper.
	LauncherDir string

	// SandboxDirectory is the in-container mount point of the sandbox
	// when a container runs on a provisioned root filesystem.
	SandboxDirectory string

	// Isolation lists the isolators to load, in pipeline order.
	Isolation []string

	// DestroyTimeout bounds the destroy path's kill and reap waits;
	// when it elapses the termination is failed. Zero disables the
	// bound.
	DestroyTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	base := "/var/lib/stevedore"
	return &Config{
		WorkDir:          filepath.Join(base, "sandboxes"),
		RuntimeDir:       filepath.Join(base, "runtime"),
		MetaDBPath:       filepath.Join(base, "meta", "stevedore.db"),
		ProvisionerDir:   filepath.Join(base, "provisioner"),
		EventsDir:        filepath.Join(base, "events"),
		LauncherDir:      executableDir(),
		SandboxDirectory: "/mnt/stevedore/sandbox",
		Isolation:        []string{"filesystem/posix"},
		DestroyTimeout:   60 * time.Second,
	}
}

// HelperPath returns the launch helper's path.
func (c *Config) HelperPath() string {
	return filepath.Join(c.LauncherDir, "stevedore-init")
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.WorkDir,
		c.RuntimeDir,
		filepath.Dir(c.MetaDBPath),
		c.ProvisionerDir,
		c.EventsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
