package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID    = "run_id"
	KeyJobID    = "job_id"
	KeyCommand  = "command"
	KeyTarget   = "target"
	KeyWorkflow = "workflow"
	KeyRemote   = "remote"
	KeyRevision = "revision"
	KeyPath     = "path"
	KeyDropbox  = "dropbox"
	KeyUser     = "user"
	KeyGroup    = "group"
	KeyExitCode = "exit_code"
	KeyPid      = "pid"
	KeyState    = "state"
	KeyError    = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr      { return slog.String(KeyRunID, id) }
func JobID(id string) slog.Attr      { return slog.String(KeyJobID, id) }
func Command(c string) slog.Attr     { return slog.String(KeyCommand, c) }
func Target(t string) slog.Attr      { return slog.String(KeyTarget, t) }
func Workflow(name string) slog.Attr { return slog.String(KeyWorkflow, name) }
func Remote(r string) slog.Attr      { return slog.String(KeyRemote, r) }
func Revision(rev string) slog.Attr  { return slog.String(KeyRevision, rev) }
func Path(p string) slog.Attr        { return slog.String(KeyPath, p) }
func Dropbox(d string) slog.Attr     { return slog.String(KeyDropbox, d) }
func User(u string) slog.Attr        { return slog.String(KeyUser, u) }
func Group(g string) slog.Attr       { return slog.String(KeyGroup, g) }
func ExitCode(c int) slog.Attr       { return slog.Int(KeyExitCode, c) }
func Pid(pid int) slog.Attr          { return slog.Int(KeyPid, pid) }
func State(s string) slog.Attr       { return slog.String(KeyState, s) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
