// stevedore-init is the launch helper forked into every container by
// the engine. It blocks on the launch pipe until the engine has
// finished isolating and fetching, runs any isolator pre-exec
// commands, applies the working directory, user and root filesystem,
// then spawns the container command. When the command exits, the
// helper checkpoints the wait status into the container's runtime
// directory and exits with the same code.
//
// If the pipe closes without a byte the launch was aborted (the
// engine flipped to DESTROYING before exec) and the helper exits
// without running anything.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"syscall"

	"github.com/rowanhq/stevedore/internal/container"
	"github.com/rowanhq/stevedore/internal/paths"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("stevedore-init: ")

	if len(os.Args) < 2 || os.Args[1] != "launch" {
		log.Fatalf("usage: stevedore-init launch --pipe-fd=N --spec=JSON")
	}

	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	pipeFd := fs.Int("pipe-fd", 3, "inherited descriptor of the launch pipe read end")
	specJSON := fs.String("spec", "", "launch spec (JSON)")
	fs.Parse(os.Args[2:])

	spec, err := parseSpec(*specJSON)
	if err != nil {
		log.Fatalf("parse spec: %v", err)
	}

	if err := awaitExecSignal(*pipeFd); err != nil {
		log.Fatalf("%v", err)
	}

	for _, pre := range spec.PreExecCommands {
		if err := runPreExec(pre); err != nil {
			log.Fatalf("pre-exec command failed: %v", err)
		}
	}

	if len(spec.Capabilities) > 0 {
		log.Printf("capabilities are not applied by this helper: %v", spec.Capabilities)
	}

	if spec.Rootfs != "" {
		if runtime.GOOS != "linux" {
			log.Fatalf("root filesystems require linux")
		}
		if err := syscall.Chroot(spec.Rootfs); err != nil {
			log.Fatalf("chroot %q: %v", spec.Rootfs, err)
		}
	}

	if spec.WorkingDirectory != "" {
		if err := os.Chdir(spec.WorkingDirectory); err != nil {
			log.Fatalf("chdir %q: %v", spec.WorkingDirectory, err)
		}
	}

	status, err := runCommand(spec)
	if err != nil {
		log.Fatalf("run command: %v", err)
	}

	// Checkpoint before exiting so the engine's reap reads the true
	// container-init status even if our own exit status is mangled.
	if spec.RuntimeDirectory != "" {
		if err := paths.WriteStatus(spec.RuntimeDirectory, status); err != nil {
			log.Printf("checkpoint status: %v", err)
		}
	}

	os.Exit(exitCode(status))
}

func parseSpec(raw string) (*container.LaunchSpec, error) {
	if raw == "" {
		return nil, errors.New("missing --spec")
	}
	var spec container.LaunchSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, err
	}
	if spec.Command.Value == "" {
		return nil, errors.New("spec has no command")
	}
	return &spec, nil
}

// awaitExecSignal blocks until the engine writes the exec byte.
func awaitExecSignal(fd int) error {
	pipe := os.NewFile(uintptr(fd), "launch-pipe")
	if pipe == nil {
		return fmt.Errorf("launch pipe fd %d not inherited", fd)
	}
	defer pipe.Close()

	buf := make([]byte, 1)
	n, err := pipe.Read(buf)
	if err == io.EOF || n == 0 {
		return errors.New("launch aborted before exec")
	}
	if err != nil {
		return fmt.Errorf("read launch pipe: %w", err)
	}
	return nil
}

func runPreExec(cmd container.CommandInfo) error {
	argv := cmd.Argv()
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// runCommand spawns the container command and returns its wait
// status.
func runCommand(spec *container.LaunchSpec) (int, error) {
	argv := spec.Command.Argv()
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	if spec.User != "" {
		cred, err := lookupCredential(spec.User)
		if err != nil {
			return 0, fmt.Errorf("lookup user %q: %w", spec.User, err)
		}
		c.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := c.Start(); err != nil {
		return 0, err
	}
	err := c.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return int(ws), nil
			}
			return exitErr.ExitCode() << 8, nil
		}
		return 0, err
	}
	return 0, nil
}

func lookupCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// exitCode converts a wait status to a process exit code: the exit
// code for normal exits, 128+signal for signal deaths.
func exitCode(status int) int {
	ws := syscall.WaitStatus(status)
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
