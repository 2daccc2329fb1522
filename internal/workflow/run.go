package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/logfields"
)

// killGracePeriod is how long a cancelled child gets between SIGTERM and
// SIGKILL.
const killGracePeriod = 10 * time.Second

// Handle exposes a started workflow child process: wait for completion and
// inspect the exit status. Stdout and stderr are already redirected to the
// per-workflow log file.
type Handle struct {
	workflow *Workflow
	cmd      *exec.Cmd
	logFile  *os.File
	exitCode int
}

// Run launches the workflow's entry point as a child process. The working
// directory is the workflow directory, the environment points at the shared
// var/ area and the per-workflow result directory, and all output is
// redirected to the run log. When runAs is non-empty the child drops
// privileges to that user. Run does not wait; the caller decides synchronous
// or asynchronous waiting via the returned handle.
//
// The context bounds execution: on cancellation the child receives SIGTERM
// and, after a grace period, SIGKILL. The commit phase still runs afterwards.
func (w *Workflow) Run(ctx context.Context, runAs string) (*Handle, error) {
	if err := os.MkdirAll(w.ResultDir(), 0o750); err != nil {
		return nil, errors.FilesystemError("create result directory", err).
			WithContext("path", w.ResultDir())
	}
	if err := w.ws.Policy.Apply(w.ResultDir()); err != nil {
		return nil, errors.FilesystemError("apply policy to result directory", err).
			WithContext("path", w.ResultDir())
	}

	logFile, err := os.OpenFile(w.LogPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.FilesystemError("open workflow log", err).
			WithContext("path", w.LogPath())
	}
	if err := w.ws.Policy.Apply(w.LogPath()); err != nil {
		_ = logFile.Close()
		return nil, errors.FilesystemError("apply policy to workflow log", err).
			WithContext("path", w.LogPath())
	}

	cmd := exec.CommandContext(ctx, w.EntryPoint())
	cmd.Dir = w.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = w.runEnv()
	cmd.Cancel = func() error {
		slog.Warn("Terminating workflow", logfields.Workflow(w.Name))
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	if runAs != "" {
		cred, err := credentialFor(runAs)
		if err != nil {
			_ = logFile.Close()
			return nil, errors.ExecutionStartError(w.Name, err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, errors.ExecutionStartError(w.Name, err)
	}

	w.State = StateRunning
	slog.Info("Workflow started",
		logfields.Workflow(w.Name), logfields.Pid(cmd.Process.Pid), logfields.Path(w.LogPath()))

	return &Handle{workflow: w, cmd: cmd, logFile: logFile, exitCode: -1}, nil
}

// runEnv builds the child environment on top of the parent's.
func (w *Workflow) runEnv() []string {
	env := append(os.Environ(),
		"QPROJECT_VAR="+w.ws.Var,
		"QPROJECT_RESULT="+w.ResultDir(),
		"QPROJECT_WORKFLOW="+w.Name,
	)
	if w.Params != nil {
		env = append(env, "QPROJECT_PARAMS="+w.ParamsPath())
	}
	return env
}

// credentialFor resolves the uid/gid to drop privileges to.
func credentialFor(name string) (*syscall.Credential, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid for %s: %w", name, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid for %s: %w", name, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// Wait blocks until the child exits and closes the run log. A non-zero exit
// is returned as an execution-category error carrying the exit code.
func (h *Handle) Wait() error {
	err := h.cmd.Wait()
	_ = h.logFile.Close()
	h.workflow.State = StateFinished

	if err == nil {
		h.exitCode = 0
		slog.Info("Workflow finished", logfields.Workflow(h.workflow.Name), logfields.ExitCode(0))
		return nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		h.exitCode = exitErr.ExitCode()
		slog.Error("Workflow failed",
			logfields.Workflow(h.workflow.Name), logfields.ExitCode(h.exitCode))
		return errors.ExecutionError(h.workflow.Name, h.exitCode)
	}

	slog.Error("Workflow wait failed", logfields.Workflow(h.workflow.Name), logfields.Error(err))
	return errors.ExecutionStartError(h.workflow.Name, err)
}

// ExitCode returns the child's exit status, or -1 before Wait has returned.
func (h *Handle) ExitCode() int {
	return h.exitCode
}
