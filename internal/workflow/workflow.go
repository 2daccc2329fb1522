// Package workflow implements one unit of work inside a workspace: a named
// directory holding code checked out from a remote repository at a pinned
// revision, plus its parameters, run handle and result delivery.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/logfields"
	"github.com/qbicsoftware/qproject/internal/vcs"
	"github.com/qbicsoftware/qproject/internal/workspace"
)

// State tracks where a workflow is in its lifecycle. Not every transition is
// mandatory: prepare-only invocations stop after configured, and commit-only
// invocations start from finished.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateCreated       State = "created"
	StateCloned        State = "cloned"
	StateConfigured    State = "configured"
	StateRunning       State = "running"
	StateFinished      State = "finished"
	StateCommitted     State = "committed"
)

// ParamsFileName is the file WriteConfig serializes parameters into, relative
// to the workflow directory. Workflows read it back via QPROJECT_PARAMS.
const ParamsFileName = "parameters.json"

// EntryPointName is the executable a workflow must provide at its root.
const EntryPointName = "run"

// Options configures a new workflow handle.
type Options struct {
	// Name identifies the workflow directory under src/. Derived from the
	// remote's final path element when empty.
	Name   string
	Remote string
	Commit string
	Params map[string]any

	// Checkout overrides the version-control capability. Defaults to
	// vcs.Checkout.
	Checkout vcs.CheckoutFunc
}

// Workflow is one unit of checked-out, configured, executable work. Pin is
// the requested revision; Revision is the hash the checkout actually resolved.
type Workflow struct {
	Name     string
	Remote   string
	Pin      string
	Params   map[string]any
	Dir      string
	State    State
	Revision string

	ws       *workspace.Workspace
	checkout vcs.CheckoutFunc
}

// New builds a workflow handle inside ws. It performs no filesystem activity;
// Create is the first side-effecting step.
func New(ws *workspace.Workspace, opts Options) (*Workflow, error) {
	name := opts.Name
	if name == "" {
		name = nameFromRemote(opts.Remote)
	}
	if name == "" {
		return nil, errors.ConfigurationError("workflow needs a name or a remote")
	}
	if strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return nil, errors.ConfigurationError("invalid workflow name").
			WithContext("name", name)
	}

	checkout := opts.Checkout
	if checkout == nil {
		checkout = vcs.Checkout
	}

	return &Workflow{
		Name:     name,
		Remote:   opts.Remote,
		Pin:      opts.Commit,
		Params:   opts.Params,
		Dir:      filepath.Join(ws.Src, name),
		State:    StateUninitialized,
		ws:       ws,
		checkout: checkout,
	}, nil
}

// nameFromRemote derives a workflow name from a repository URL or path,
// e.g. "https://example.org/group/repoA.git" -> "repoA".
func nameFromRemote(remote string) string {
	if remote == "" {
		return ""
	}
	return strings.TrimSuffix(path.Base(strings.TrimSuffix(remote, "/")), ".git")
}

// Create makes the workflow directory under src/ with the workspace's
// ownership policy. A pre-existing directory of the same name is a conflict;
// create is not idempotent at the directory level.
func (w *Workflow) Create() error {
	if _, err := os.Stat(w.Dir); err == nil {
		return errors.ConflictError("workflow directory already exists", w.Dir)
	}
	if err := os.Mkdir(w.Dir, 0o750); err != nil {
		return errors.FilesystemError("create workflow directory", err).
			WithContext("path", w.Dir)
	}
	if err := w.ws.Policy.Apply(w.Dir); err != nil {
		return errors.FilesystemError("apply policy to workflow directory", err).
			WithContext("path", w.Dir)
	}
	w.State = StateCreated
	slog.Debug("Workflow directory created", logfields.Workflow(w.Name), logfields.Path(w.Dir))
	return nil
}

// Clone checks out the remote at the pinned commit into the workflow
// directory. Without a remote this is a no-op: the controller is assumed to
// have pre-populated the directory. Checkout failures are not retried here.
func (w *Workflow) Clone(ctx context.Context) error {
	if w.Remote == "" {
		w.State = StateCloned
		return nil
	}
	revision, err := w.checkout(ctx, w.Remote, w.Pin, w.Dir)
	if err != nil {
		return errors.SourceError(w.Remote, err).WithContext("workflow", w.Name)
	}
	w.Revision = revision
	w.State = StateCloned
	slog.Info("Workflow cloned",
		logfields.Workflow(w.Name), logfields.Remote(w.Remote), logfields.Revision(revision))
	return nil
}

// WriteConfig serializes the parameters into the workflow directory and
// re-applies the ownership policy recursively, so the execution user can read
// inputs. A workflow without parameters is configured as-is.
func (w *Workflow) WriteConfig() error {
	if w.Params == nil {
		w.State = StateConfigured
		return nil
	}

	data, err := json.MarshalIndent(w.Params, "", "  ")
	if err != nil {
		return errors.ParamsFileError(w.ParamsPath(), err)
	}
	if err := os.WriteFile(w.ParamsPath(), append(data, '\n'), 0o640); err != nil {
		return errors.FilesystemError("write parameter file", err).
			WithContext("path", w.ParamsPath())
	}
	if err := w.ws.Policy.ApplyRecursive(w.Dir); err != nil {
		return errors.FilesystemError("apply policy to workflow directory", err).
			WithContext("path", w.Dir)
	}
	w.State = StateConfigured
	slog.Debug("Workflow configured", logfields.Workflow(w.Name), logfields.Path(w.ParamsPath()))
	return nil
}

// ParamsPath is where WriteConfig serializes the parameters.
func (w *Workflow) ParamsPath() string {
	return filepath.Join(w.Dir, ParamsFileName)
}

// ResultDir is the per-workflow staging area for outputs awaiting delivery.
func (w *Workflow) ResultDir() string {
	return filepath.Join(w.ws.Result, w.Name)
}

// LogPath is the per-workflow run log capturing the child's stdout and stderr.
func (w *Workflow) LogPath() string {
	return filepath.Join(w.ws.LogDir(), w.Name+".log")
}

// EntryPoint is the executable Run launches.
func (w *Workflow) EntryPoint() string {
	return filepath.Join(w.Dir, EntryPointName)
}
