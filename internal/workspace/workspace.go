package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/logfields"
)

// Subdirectory names of the fixed workspace layout.
const (
	srcDirName    = "src"
	varDirName    = "var"
	resultDirName = "result"
	logDirName    = "log"
)

// Workspace is the staging directory tree for one orchestration run.
type Workspace struct {
	Base   string
	Src    string
	Var    string
	Result string

	Policy AccessPolicy
}

// Prepare resolves path to the four canonical subpaths. With createOK it
// creates any missing directories and applies the policy; this is idempotent
// and never removes pre-existing workflow directories. Without createOK the
// tree must already exist (commit-only invocations re-open a workspace that a
// previous run staged).
func Prepare(path string, createOK bool, policy AccessPolicy) (*Workspace, error) {
	base, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.ConfigurationError("target path is not usable").
			WithContext("path", path).WithContext("cause", err.Error())
	}

	ws := &Workspace{
		Base:   base,
		Src:    filepath.Join(base, srcDirName),
		Var:    filepath.Join(base, varDirName),
		Result: filepath.Join(base, resultDirName),
		Policy: policy,
	}

	roots := []string{ws.Base, ws.Src, ws.Var, ws.Result, ws.LogDir()}

	if !createOK {
		for _, dir := range roots {
			info, err := os.Stat(dir)
			if err != nil {
				return nil, errors.ConfigurationError("workspace does not exist").
					WithContext("path", dir)
			}
			if !info.IsDir() {
				return nil, errors.ConfigurationError("workspace path is not a directory").
					WithContext("path", dir)
			}
		}
		if err := ws.checkOwnership(); err != nil {
			return nil, err
		}
		return ws, nil
	}

	for _, dir := range roots {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.FilesystemError("create workspace directory", err).
				WithContext("path", dir)
		}
		if err := policy.Apply(dir); err != nil {
			return nil, errors.FilesystemError("apply workspace policy", err).
				WithContext("path", dir)
		}
	}

	slog.Info("Workspace prepared", logfields.Path(ws.Base))
	return ws, nil
}

// checkOwnership verifies that an existing workspace base is owned by the
// policy's user, when one is configured. A workspace created by another user
// cannot be committed safely.
func (w *Workspace) checkOwnership() error {
	if w.Policy.User == "" {
		return nil
	}
	uid, _, err := w.Policy.ids()
	if err != nil {
		return errors.ConfigurationError("cannot resolve workspace owner").
			WithContext("user", w.Policy.User).WithContext("cause", err.Error())
	}
	if uid < 0 {
		return nil
	}
	info, err := os.Stat(w.Base)
	if err != nil {
		return errors.FilesystemError("stat workspace", err).WithContext("path", w.Base)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		owner := int(st.Uid)
		if owner != uid && owner != os.Getuid() {
			return errors.ConfigurationError("workspace is owned by another user").
				WithContext("path", w.Base).
				WithContext("owner_uid", owner)
		}
	}
	return nil
}

// LogDir is where per-workflow run logs are written.
func (w *Workspace) LogDir() string {
	return filepath.Join(w.Var, logDirName)
}

// JournalPath is the location of the run journal database.
func (w *Workspace) JournalPath() string {
	return filepath.Join(w.Var, "journal.db")
}

// WorkflowNames lists the workflow directories already present under src,
// in lexical order.
func (w *Workspace) WorkflowNames() ([]string, error) {
	entries, err := os.ReadDir(w.Src)
	if err != nil {
		return nil, errors.FilesystemError("list workflows", err).WithContext("path", w.Src)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CopyData stages input files into var/ so workflows can read them. Each file
// keeps its base name; the policy is applied to every staged copy.
func (w *Workspace) CopyData(files []string) error {
	for _, src := range files {
		dst := filepath.Join(w.Var, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return errors.FilesystemError("copy input data", err).
				WithContext("source", src).WithContext("destination", dst)
		}
		if err := w.Policy.Apply(dst); err != nil {
			return errors.FilesystemError("apply policy to input data", err).
				WithContext("path", dst)
		}
		slog.Debug("Staged input file", logfields.Path(dst))
	}
	return nil
}

// Cleanup removes the whole workspace tree. Called only after a successful
// commit when cleanup was requested.
func (w *Workspace) Cleanup() error {
	if err := os.RemoveAll(w.Base); err != nil {
		return errors.FilesystemError("remove workspace", err).WithContext("path", w.Base)
	}
	slog.Info("Removed workspace", logfields.Path(w.Base))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
