package workflow

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/fsutil"
	"github.com/qbicsoftware/qproject/internal/logfields"
)

// Subdirectories of a delivered workflow in the dropbox.
const (
	deliveredResultDir = "result"
	deliveredLogDir    = "log"
)

// Commit delivers the workflow's result directory and run log to dest
// (<dropbox>/<barcode-or-jobid>/<name>). It is valid from any state reachable
// after a run attempt: a failed or never-started run delivers whatever partial
// output exists, including nothing at all. A pre-existing dest is a conflict
// and nothing is copied.
//
// The delivery is staged in a temporary sibling and renamed into place, so a
// copy that fails partway never leaves a half-written dest.
func (w *Workflow) Commit(dest string, umask fs.FileMode) error {
	if _, err := os.Stat(dest); err == nil {
		return errors.ConflictError("commit destination already exists", dest).
			WithContext("workflow", w.Name)
	}

	err := fsutil.DeliverAtomic(dest, func(tmp string) error {
		resultDst := filepath.Join(tmp, deliveredResultDir)
		if _, err := os.Stat(w.ResultDir()); err == nil {
			if err := fsutil.CopyTree(w.ResultDir(), resultDst, umask); err != nil {
				return err
			}
		} else {
			// No results is a valid, empty delivery.
			if err := os.MkdirAll(resultDst, 0o750&^umask); err != nil {
				return err
			}
		}

		logDst := filepath.Join(tmp, deliveredLogDir)
		if err := os.MkdirAll(logDst, 0o750&^umask); err != nil {
			return err
		}
		if _, err := os.Stat(w.LogPath()); err == nil {
			if err := fsutil.CopyFile(w.LogPath(), filepath.Join(logDst, w.Name+".log"), umask); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.FilesystemError("deliver workflow results", err).
			WithContext("workflow", w.Name).WithContext("destination", dest)
	}

	if err := w.ws.Policy.ChownRecursive(dest); err != nil {
		return errors.FilesystemError("chown delivered results", err).
			WithContext("destination", dest)
	}

	w.State = StateCommitted
	slog.Info("Workflow committed", logfields.Workflow(w.Name), logfields.Path(dest))
	return nil
}
