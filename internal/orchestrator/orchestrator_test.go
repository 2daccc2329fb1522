package orchestrator

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qbicsoftware/qproject/internal/errors"
)

// fakeCheckout fabricates a workflow checkout: it drops an entry-point script
// into the destination and reports a deterministic revision.
func fakeCheckout(script string) func(context.Context, string, string, string) (string, error) {
	return func(_ context.Context, _, commit, dir string) (string, error) {
		if err := os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\n"+script), 0o700); err != nil {
			return "", err
		}
		return "rev-" + commit, nil
	}
}

func succeedingScript() string {
	return `echo ok > "$QPROJECT_RESULT/out.txt"` + "\n"
}

func baseOptions(t *testing.T) *Options {
	t.Helper()
	return &Options{
		Target:  filepath.Join(t.TempDir(), "w"),
		Dropbox: filepath.Join(t.TempDir(), "drop"),
		Barcode: "B1",
		Umask:   fs.FileMode(0o077),
	}
}

func TestPrepareAllStagesEverything(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/repoA.git", "https://example.org/repoB.git"}
	opts.Commits = []string{"commit1"}

	paramsFile := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(paramsFile, []byte(`{"threshold": 0.5}`), 0o644))
	opts.ParamsFiles = []string{paramsFile}

	dataFile := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("a,b\n"), 0o644))
	opts.Data = []string{dataFile}

	orc := &Orchestrator{Checkout: fakeCheckout(succeedingScript())}
	ws, workflows, err := orc.PrepareAll(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, workflows, 2)

	// Both workflow directories are checked out.
	require.FileExists(t, filepath.Join(ws.Src, "repoA", "run"))
	require.FileExists(t, filepath.Join(ws.Src, "repoB", "run"))
	require.Equal(t, "rev-commit1", workflows[0].Revision)

	// repoA got its parameter file; repoB (no counterpart) did not.
	data, err := os.ReadFile(filepath.Join(ws.Src, "repoA", "parameters.json"))
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, json.Unmarshal(data, &params))
	require.Equal(t, 0.5, params["threshold"])

	require.NoFileExists(t, filepath.Join(ws.Src, "repoB", "parameters.json"))
	require.Nil(t, workflows[1].Params)

	// Input data landed in var/.
	require.FileExists(t, filepath.Join(ws.Var, "input.csv"))
}

func TestPrepareAllRejectsMalformedParamsBeforeCloning(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/repoA.git"}

	paramsFile := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(paramsFile, []byte(`{"broken`), 0o644))
	opts.ParamsFiles = []string{paramsFile}

	cloned := false
	orc := &Orchestrator{Checkout: func(_ context.Context, _, _, _ string) (string, error) {
		cloned = true
		return "", nil
	}}

	_, _, err := orc.PrepareAll(context.Background(), opts)
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryConfig))
	require.False(t, cloned, "malformed params must surface before any clone")
}

func TestRunAllSuccessDeliversToDropbox(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/repoA.git"}
	opts.Commits = []string{"commit1"}

	orc := &Orchestrator{Checkout: fakeCheckout(succeedingScript())}
	require.NoError(t, orc.RunAll(context.Background(), opts))

	dest := filepath.Join(opts.Dropbox, "B1", "repoA")
	data, err := os.ReadFile(filepath.Join(dest, "result", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "ok\n", string(data))
	require.FileExists(t, filepath.Join(dest, "log", "repoA.log"))
}

func TestRunAllCommitsEveryWorkflowOnFailure(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{
		"https://example.org/good.git",
		"https://example.org/bad.git",
		"https://example.org/skipped.git",
	}

	// The second workflow fails; the third is never run.
	orc := &Orchestrator{Checkout: func(_ context.Context, remote, _, dir string) (string, error) {
		script := succeedingScript()
		if filepath.Base(remote) == "bad.git" {
			script = "exit 7\n"
		}
		if err := os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\n"+script), 0o700); err != nil {
			return "", err
		}
		return "rev", nil
	}}

	err := orc.RunAll(context.Background(), opts)
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryExecution))

	// Delivery ran exactly once for every constructed workflow, including
	// the failed one and the one the aborted loop never reached.
	base := filepath.Join(opts.Dropbox, "B1")
	for _, name := range []string{"good", "bad", "skipped"} {
		require.DirExists(t, filepath.Join(base, name, "result"), name)
		require.DirExists(t, filepath.Join(base, name, "log"), name)
	}
	require.FileExists(t, filepath.Join(base, "good", "result", "out.txt"))

	// The failed workflow's partial state is delivered as-is: its log shows
	// the attempt, its result is empty.
	entries, err := os.ReadDir(filepath.Join(base, "bad", "result"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunAllCommitsWhenCheckoutFails(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/repoA.git"}

	orc := &Orchestrator{Checkout: func(_ context.Context, _, _, _ string) (string, error) {
		return "", os.ErrDeadlineExceeded
	}}

	err := orc.RunAll(context.Background(), opts)
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategorySource))

	// Even a workflow that never finished cloning gets an (empty) delivery.
	require.DirExists(t, filepath.Join(opts.Dropbox, "B1", "repoA", "result"))
}

func TestRunAllTimeoutStillCommits(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/slow.git"}
	opts.Timeout = 100 * time.Millisecond

	orc := &Orchestrator{Checkout: fakeCheckout("sleep 30\n")}

	err := orc.RunAll(context.Background(), opts)
	require.Error(t, err)
	require.DirExists(t, filepath.Join(opts.Dropbox, "B1", "slow", "result"))
}

func TestRunAllDaemonUsesDetachCapability(t *testing.T) {
	opts := baseOptions(t)
	opts.Remotes = []string{"https://example.org/repoA.git"}
	opts.Daemon = true
	opts.Pidfile = filepath.Join(t.TempDir(), "qproject.pid")

	var gotPidfile string
	var gotUmask fs.FileMode
	orc := &Orchestrator{
		Checkout: fakeCheckout(succeedingScript()),
		// Identity detach: runs the procedure inline. The commit guarantee
		// must hold for this implementation just as for a real detach.
		Detach: func(proc func() error, pidfile string, umask fs.FileMode) error {
			gotPidfile, gotUmask = pidfile, umask
			return proc()
		},
	}

	require.NoError(t, orc.RunAll(context.Background(), opts))
	require.Equal(t, opts.Pidfile, gotPidfile)
	require.Equal(t, fs.FileMode(0o077), gotUmask)
	require.FileExists(t, filepath.Join(opts.Dropbox, "B1", "repoA", "result", "out.txt"))
}

func TestCommitAllDiscoversExistingWorkflows(t *testing.T) {
	opts := baseOptions(t)

	// Stage a workspace the way an earlier prepare+run would have.
	prep := baseOptions(t)
	prep.Target = opts.Target
	prep.Remotes = []string{"https://example.org/repoA.git", "https://example.org/repoB.git"}
	orc := &Orchestrator{Checkout: fakeCheckout(succeedingScript())}
	ws, _, err := orc.PrepareAll(context.Background(), prep)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Result, "repoA"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Result, "repoA", "out.txt"), []byte("x"), 0o640))

	require.NoError(t, orc.CommitAll(context.Background(), opts))

	base := filepath.Join(opts.Dropbox, "B1")
	require.FileExists(t, filepath.Join(base, "repoA", "result", "out.txt"))
	require.DirExists(t, filepath.Join(base, "repoB", "result"))
}

func TestCommitAllRefusesExistingDestination(t *testing.T) {
	opts := baseOptions(t)
	opts.Cleanup = true

	orc := &Orchestrator{Checkout: fakeCheckout(succeedingScript())}
	prep := baseOptions(t)
	prep.Target = opts.Target
	prep.Remotes = []string{"https://example.org/repoA.git"}
	ws, _, err := orc.PrepareAll(context.Background(), prep)
	require.NoError(t, err)

	// The destination pre-exists.
	dest := filepath.Join(opts.Dropbox, "B1")
	require.NoError(t, os.MkdirAll(dest, 0o750))

	err = orc.CommitAll(context.Background(), opts)
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryConflict))

	// Nothing was copied and the workspace survives despite cleanup.
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.DirExists(t, ws.Base)
}

func TestCommitAllCleanupRemovesWorkspace(t *testing.T) {
	opts := baseOptions(t)
	opts.Cleanup = true

	orc := &Orchestrator{Checkout: fakeCheckout(succeedingScript())}
	prep := baseOptions(t)
	prep.Target = opts.Target
	prep.Remotes = []string{"https://example.org/repoA.git"}
	ws, _, err := orc.PrepareAll(context.Background(), prep)
	require.NoError(t, err)

	require.NoError(t, orc.CommitAll(context.Background(), opts))
	require.NoDirExists(t, ws.Base)
	require.DirExists(t, filepath.Join(opts.Dropbox, "B1", "repoA"))
}

func TestCommitAllRequiresExistingWorkspace(t *testing.T) {
	opts := baseOptions(t)

	orc := &Orchestrator{}
	err := orc.CommitAll(context.Background(), opts)
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryConfig))
}

func TestDestinationPrefersBarcode(t *testing.T) {
	opts := &Options{Dropbox: "/drop", Barcode: "B1", JobID: "J1"}
	dest, err := opts.destination()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/drop", "B1"), dest)

	opts = &Options{Dropbox: "/drop", JobID: "J1"}
	dest, err = opts.destination()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/drop", "J1"), dest)

	opts = &Options{Dropbox: "/drop"}
	_, err = opts.destination()
	require.Error(t, err)
}
