// Package orchestrator sequences workspace preparation and workflow
// lifecycles for the prepare, run and commit commands. It owns the central
// guarantee of the system: after a run attempt, result delivery is attempted
// exactly once per workflow, whatever the run loop did.
package orchestrator

import (
	"context"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/qbicsoftware/qproject/internal/config"
	"github.com/qbicsoftware/qproject/internal/daemon"
	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/journal"
	"github.com/qbicsoftware/qproject/internal/logfields"
	"github.com/qbicsoftware/qproject/internal/vcs"
	"github.com/qbicsoftware/qproject/internal/workflow"
	"github.com/qbicsoftware/qproject/internal/workspace"
)

// Options carries one invocation's settings. Remotes, Commits and ParamsFiles
// are paired positionally; the lists may have unequal lengths and a missing
// counterpart is treated as absent.
type Options struct {
	Target      string
	Remotes     []string
	Commits     []string
	ParamsFiles []string
	Data        []string

	User  string
	Group string

	Dropbox string
	Barcode string
	JobID   string

	Daemon  bool
	Pidfile string
	Umask   fs.FileMode
	Cleanup bool
	Timeout time.Duration

	// RunID tags journal entries and log lines. Defaults to JobID, falling
	// back to a generated UUID.
	RunID string
}

func (o *Options) runID() string {
	if o.RunID != "" {
		return o.RunID
	}
	if o.JobID != "" {
		o.RunID = o.JobID
	} else {
		o.RunID = uuid.NewString()
	}
	return o.RunID
}

// destination derives the dropbox delivery root for this invocation.
func (o *Options) destination() (string, error) {
	switch {
	case o.Barcode != "":
		return filepath.Join(o.Dropbox, o.Barcode), nil
	case o.JobID != "":
		return filepath.Join(o.Dropbox, o.JobID), nil
	default:
		return "", errors.ConfigurationRequired("barcode or jobid")
	}
}

// Orchestrator wires the external capabilities the lifecycle depends on.
// Zero-value fields fall back to the real implementations.
type Orchestrator struct {
	// Checkout is the version-control capability. Defaults to vcs.Checkout.
	Checkout vcs.CheckoutFunc

	// Detach is the backgrounding capability used when Options.Daemon is
	// set. Defaults to daemon.Respawn. The commit guarantee holds whether
	// this detaches or runs inline.
	Detach daemon.DetachFunc
}

func (o *Orchestrator) checkout() vcs.CheckoutFunc {
	if o.Checkout != nil {
		return o.Checkout
	}
	return vcs.Checkout
}

func (o *Orchestrator) detach() daemon.DetachFunc {
	if o.Detach != nil {
		return o.Detach
	}
	return daemon.Respawn
}

// buildWorkflows pairs remotes, commits and parameter files positionally and
// constructs a workflow handle per triple. Parameter files are parsed up
// front so a malformed one fails the invocation before any cloning begins.
func (o *Orchestrator) buildWorkflows(ws *workspace.Workspace, opts *Options) ([]*workflow.Workflow, error) {
	n := len(opts.Remotes)
	if len(opts.Commits) > n {
		n = len(opts.Commits)
	}
	if len(opts.ParamsFiles) > n {
		n = len(opts.ParamsFiles)
	}

	at := func(list []string, i int) string {
		if i < len(list) {
			return list[i]
		}
		return ""
	}

	workflows := make([]*workflow.Workflow, 0, n)
	for i := 0; i < n; i++ {
		var params map[string]any
		if path := at(opts.ParamsFiles, i); path != "" {
			var err error
			params, err = config.LoadParams(path)
			if err != nil {
				return nil, err
			}
		}

		wf, err := workflow.New(ws, workflow.Options{
			Remote:   at(opts.Remotes, i),
			Commit:   at(opts.Commits, i),
			Params:   params,
			Checkout: o.checkout(),
		})
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// PrepareAll stages the workspace and every workflow: create, clone and
// configure each in order, then copy the input data into var/.
func (o *Orchestrator) PrepareAll(ctx context.Context, opts *Options) (*workspace.Workspace, []*workflow.Workflow, error) {
	ws, err := workspace.Prepare(opts.Target, true, workspace.PolicyFor(opts.User, opts.Group))
	if err != nil {
		return nil, nil, err
	}

	jnl := o.openJournal(ws)
	defer func() { _ = jnl.Close() }()
	o.record(ctx, jnl, opts, "", journal.EventWorkspacePrepared, nil)

	workflows, err := o.buildWorkflows(ws, opts)
	if err != nil {
		return nil, nil, err
	}

	for _, wf := range workflows {
		if err := o.stageWorkflow(ctx, jnl, opts, wf); err != nil {
			return nil, nil, err
		}
	}

	if len(opts.Data) > 0 {
		if err := ws.CopyData(opts.Data); err != nil {
			return nil, nil, err
		}
	}
	return ws, workflows, nil
}

// stageWorkflow runs the create, clone, configure sequence for one workflow.
func (o *Orchestrator) stageWorkflow(ctx context.Context, jnl *journal.Journal, opts *Options, wf *workflow.Workflow) error {
	if err := wf.Create(); err != nil {
		return err
	}
	o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowCreated, nil)

	if err := wf.Clone(ctx); err != nil {
		return err
	}
	o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowCloned,
		map[string]string{"revision": wf.Revision})

	if err := wf.WriteConfig(); err != nil {
		return err
	}
	o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowConfigured, nil)
	return nil
}

// RunAll executes the full lifecycle: stage, run and wait for each workflow
// in order, aborting the loop on the first failure; then deliver results for
// every workflow exactly once, whatever the loop did. With Options.Daemon the
// whole procedure is handed to the detach capability instead of running
// inline.
func (o *Orchestrator) RunAll(ctx context.Context, opts *Options) error {
	// Workspace and workflow handles are built up front so configuration
	// problems (bad parameter file, missing name) surface before anything
	// is staged or detached.
	ws, err := workspace.Prepare(opts.Target, true, workspace.PolicyFor(opts.User, opts.Group))
	if err != nil {
		return err
	}
	workflows, err := o.buildWorkflows(ws, opts)
	if err != nil {
		return err
	}
	if _, err := opts.destination(); err != nil {
		return err
	}

	proc := func() error {
		return o.runAndCommit(ctx, ws, workflows, opts)
	}

	if opts.Daemon {
		return o.detach()(proc, opts.Pidfile, opts.Umask)
	}
	return daemon.Inline(proc, "", opts.Umask)
}

// runAndCommit is the run procedure: the commit phase is a guaranteed
// finalizer around the run loop, so delivery is attempted exactly once per
// workflow even when the loop fails or panics.
func (o *Orchestrator) runAndCommit(ctx context.Context, ws *workspace.Workspace, workflows []*workflow.Workflow, opts *Options) (err error) {
	jnl := o.openJournal(ws)
	defer func() { _ = jnl.Close() }()

	defer func() {
		if commitErr := o.commitPhase(ctx, jnl, ws, workflows, opts); commitErr != nil {
			err = stderrors.Join(err, commitErr)
		}
	}()

	err = o.runWorkflows(ctx, jnl, ws, workflows, opts)
	if err != nil {
		slog.Error("Workflow execution failed", logfields.RunID(opts.runID()), logfields.Error(err))
		o.record(ctx, jnl, opts, "", journal.EventRunFailed, map[string]string{"error": err.Error()})
	} else {
		slog.Info("Workflows were executed successfully", logfields.RunID(opts.runID()))
	}
	return err
}

// runWorkflows copies input data and runs each workflow synchronously in
// order. The first failure aborts the remaining loop.
func (o *Orchestrator) runWorkflows(ctx context.Context, jnl *journal.Journal, ws *workspace.Workspace, workflows []*workflow.Workflow, opts *Options) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if len(opts.Data) > 0 {
		if err := ws.CopyData(opts.Data); err != nil {
			return err
		}
	}

	for _, wf := range workflows {
		if err := o.stageWorkflow(ctx, jnl, opts, wf); err != nil {
			return err
		}

		handle, err := wf.Run(ctx, opts.User)
		if err != nil {
			return err
		}
		o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowStarted, nil)

		err = handle.Wait()
		o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowFinished,
			map[string]string{"exit_code": strconv.Itoa(handle.ExitCode())})
		if err != nil {
			return err
		}
		slog.Info("Workflow successful", logfields.Workflow(wf.Name))
	}
	return nil
}

// commitPhase delivers every workflow to the dropbox destination exactly
// once. A pre-existing destination is a conflict and the workspace is
// explicitly left in place so an operator can recover.
func (o *Orchestrator) commitPhase(ctx context.Context, jnl *journal.Journal, ws *workspace.Workspace, workflows []*workflow.Workflow, opts *Options) error {
	slog.Info("Writing results and logs to dropbox",
		logfields.RunID(opts.runID()), logfields.Dropbox(opts.Dropbox))

	dest, err := opts.destination()
	if err != nil {
		return err
	}
	if err := ensureAbsent(dest, ws); err != nil {
		return err
	}

	for _, wf := range workflows {
		if err := wf.Commit(filepath.Join(dest, wf.Name), opts.Umask); err != nil {
			return err
		}
		o.record(ctx, jnl, opts, wf.Name, journal.EventWorkflowCommitted,
			map[string]string{"destination": filepath.Join(dest, wf.Name)})
	}

	if opts.Cleanup {
		o.record(ctx, jnl, opts, "", journal.EventWorkspaceRemoved, nil)
		_ = jnl.Close() // the journal lives inside the workspace
		if err := ws.Cleanup(); err != nil {
			return err
		}
	}
	return nil
}

// CommitAll re-opens an existing workspace, discovers the workflow
// directories already present under src/ and delivers each of them. Used for
// commit-only invocations where the run happened earlier or elsewhere.
func (o *Orchestrator) CommitAll(ctx context.Context, opts *Options) error {
	ws, err := workspace.Prepare(opts.Target, false, workspace.PolicyFor(opts.User, opts.Group))
	if err != nil {
		return err
	}

	names, err := ws.WorkflowNames()
	if err != nil {
		return err
	}

	workflows := make([]*workflow.Workflow, 0, len(names))
	for _, name := range names {
		wf, err := workflow.New(ws, workflow.Options{Name: name})
		if err != nil {
			return err
		}
		workflows = append(workflows, wf)
	}

	jnl := o.openJournal(ws)
	defer func() { _ = jnl.Close() }()

	return o.commitPhase(ctx, jnl, ws, workflows, opts)
}

// ensureAbsent fails with a conflict when the delivery destination already
// exists. The workspace path goes into the error context so the operator
// knows what was left behind for recovery.
func ensureAbsent(dest string, ws *workspace.Workspace) error {
	if _, err := os.Lstat(dest); err == nil {
		return errors.ConflictError("dropbox destination already exists", dest).
			WithContext("workspace", ws.Base)
	}
	return nil
}

// openJournal opens the run journal inside the workspace. Journaling is
// best-effort: a failure to open degrades to a nil no-op journal.
func (o *Orchestrator) openJournal(ws *workspace.Workspace) *journal.Journal {
	jnl, err := journal.Open(ws.JournalPath())
	if err != nil {
		slog.Warn("Run journal unavailable", logfields.Path(ws.JournalPath()), logfields.Error(err))
		return nil
	}
	return jnl
}

// record appends a journal entry, logging instead of failing when the journal
// cannot keep up.
func (o *Orchestrator) record(ctx context.Context, jnl *journal.Journal, opts *Options, wf, event string, fields map[string]string) {
	if err := jnl.Record(ctx, opts.runID(), wf, event, fields); err != nil {
		slog.Warn("Failed to record journal entry", logfields.Error(err))
	}
}
