// Package daemon provides the detach-and-background capability the
// orchestrator injects around its run procedure. The run loop's correctness
// (commit always happens after a run attempt) must hold whether the capability
// executes inline or actually detaches, so both implementations share one
// function type.
package daemon

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/logfields"
)

// DetachFunc hands a run procedure to a backgrounding capability with a
// pidfile path and file-creation mask.
type DetachFunc func(proc func() error, pidfile string, umask fs.FileMode) error

// detachedEnv marks the re-executed background child so it runs the procedure
// inline instead of detaching again.
const detachedEnv = "QPROJECT_DETACHED"

// Detached reports whether this process is the re-executed background child.
func Detached() bool {
	return os.Getenv(detachedEnv) == "1"
}

// ValidatePidfile checks the pidfile preconditions before any side effect:
// the path must be set, must not already exist, and its parent must be a
// directory.
func ValidatePidfile(pidfile string) error {
	if pidfile == "" {
		return errors.ConfigurationRequired("pidfile")
	}
	if _, err := os.Stat(pidfile); err == nil {
		return errors.ConflictError("pidfile already exists", pidfile)
	}
	info, err := os.Stat(filepath.Dir(pidfile))
	if err != nil || !info.IsDir() {
		return errors.ConfigurationError("pidfile directory does not exist").
			WithContext("path", pidfile)
	}
	return nil
}

// Inline applies the umask to the current process and runs the procedure
// directly. It is the identity implementation of DetachFunc.
func Inline(proc func() error, _ string, umask fs.FileMode) error {
	syscall.Umask(int(umask))
	return proc()
}

// Respawn re-executes the current invocation as a detached background process
// in its own session with stdio disconnected, writes the child pid to the
// pidfile, and returns immediately. The procedure argument is not executed
// here: the re-executed child carries the detached marker, rebuilds the same
// procedure from its own arguments and runs it inline (see Detached). The
// umask travels with those arguments too.
func Respawn(_ func() error, pidfile string, _ fs.FileMode) error {
	if err := ValidatePidfile(pidfile); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return errors.DaemonError("cannot locate own executable", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.DaemonError("cannot open /dev/null", err)
	}
	defer func() { _ = devNull.Close() }()

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return errors.DaemonError("failed to start background process", err)
	}

	if err := WritePidfile(pidfile, cmd.Process.Pid); err != nil {
		return err
	}

	slog.Info("Detached background process",
		logfields.Pid(cmd.Process.Pid), logfields.Path(pidfile))

	// The child is deliberately not waited on; it now owns the workspace.
	if err := cmd.Process.Release(); err != nil {
		return errors.DaemonError("failed to release background process", err)
	}
	return nil
}

// WritePidfile records pid at path. The file is created exclusively so two
// racing invocations cannot both claim it.
func WritePidfile(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.ConflictError("pidfile already exists", path)
		}
		return errors.DaemonError("failed to write pidfile", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return errors.DaemonError("failed to write pidfile", err)
	}
	return f.Close()
}

// RemovePidfile deletes the pidfile, tolerating a path that is already gone.
func RemovePidfile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.DaemonError("failed to remove pidfile", err)
	}
	return nil
}
