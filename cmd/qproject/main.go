package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/qbicsoftware/qproject/internal/config"
	"github.com/qbicsoftware/qproject/internal/daemon"
	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/logfields"
	"github.com/qbicsoftware/qproject/internal/orchestrator"
)

var CLI struct {
	Target   string        `short:"t" required:"" help:"Base directory where the files should be stored"`
	Workflow []string      `short:"w" help:"Checkout a workflow from this git repository (repeatable)"`
	Commit   []string      `short:"c" help:"Commits of the workflows, paired positionally with --workflow"`
	Params   []string      `short:"p" help:"Parameter file for each specified workflow"`
	Data     []string      `help:"Input files to copy to the workspace var directory"`
	User     string        `short:"u" help:"User name for execution of workflows; permissions are set so this user can access inputs and write results"`
	Group    string        `short:"g" help:"Grant read and write permissions on the workspace to this unix group"`
	JobID    string        `help:"Job id at the controlling workflow server"`
	Dropbox  string        `help:"Write results to this directory"`
	Barcode  string        `help:"Barcode naming the dropbox subdirectory"`
	Daemon   bool          `short:"d" help:"Detach the run into a background process"`
	Pidfile  string        `help:"Path to the pidfile for daemon mode"`
	Umask    string        `help:"Umask for delivered files (octal)" default:"077"`
	Cleanup  bool          `help:"Delete the workspace after a successful commit"`
	Timeout  time.Duration `help:"Abort a workflow run after this duration (0 = no limit)"`
	Defaults string        `help:"Path to a site defaults file"`
	Verbose  bool          `short:"v" help:"Enable verbose logging"`

	Prepare   struct{} `cmd:"" help:"Stage the workspace: create, clone and configure every workflow"`
	Run       struct{} `cmd:"" help:"Stage, execute and deliver every workflow"`
	CommitCmd struct{} `cmd:"" name:"commit" help:"Deliver results of an already-staged workspace to the dropbox"`
}

func main() {
	kctx := kong.Parse(&CLI)
	command := kctx.Command()

	setupLogging()

	if err := run(command); err != nil {
		slog.Error("qproject failed", logfields.Command(command), logfields.Error(err))
		os.Exit(1)
	}
	slog.Info("qproject finished successfully", logfields.Command(command))
}

func run(command string) error {
	defaults, err := config.LoadDefaults(CLI.Defaults)
	if err != nil {
		return err
	}
	applyDefaults(defaults)

	umask, err := config.ParseUmask(CLI.Umask)
	if err != nil {
		return err
	}

	opts := &orchestrator.Options{
		Target:      CLI.Target,
		Remotes:     CLI.Workflow,
		Commits:     CLI.Commit,
		ParamsFiles: CLI.Params,
		Data:        CLI.Data,
		User:        CLI.User,
		Group:       CLI.Group,
		Dropbox:     CLI.Dropbox,
		Barcode:     CLI.Barcode,
		JobID:       CLI.JobID,
		Daemon:      CLI.Daemon,
		Pidfile:     CLI.Pidfile,
		Umask:       umask,
		Cleanup:     CLI.Cleanup,
		Timeout:     CLI.Timeout,
	}

	if err := validate(command, opts); err != nil {
		return err
	}

	// The re-executed background child runs the procedure inline and owns
	// the pidfile for its lifetime.
	if opts.Daemon && daemon.Detached() {
		opts.Daemon = false
		defer func() { _ = daemon.RemovePidfile(opts.Pidfile) }()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Starting qproject",
		logfields.Command(command), logfields.Target(opts.Target), logfields.User(opts.User))

	orc := &orchestrator.Orchestrator{}
	switch command {
	case "prepare":
		_, _, err := orc.PrepareAll(ctx, opts)
		return err
	case "run":
		return orc.RunAll(ctx, opts)
	case "commit":
		return orc.CommitAll(ctx, opts)
	default:
		return errors.ConfigurationError("unknown command").WithContext("command", command)
	}
}

// validate enforces the required flag combinations before any side effect,
// mirroring the contract in the error handling design: configuration errors
// surface before anything is staged.
func validate(command string, opts *orchestrator.Options) error {
	if opts.Dropbox != "" {
		if opts.Barcode == "" && opts.JobID == "" {
			return errors.ConfigurationError("barcode or jobid must be specified if dropbox is")
		}
		if opts.User == "" {
			return errors.ConfigurationError("specify user to copy back data")
		}
	}
	if command == "run" || command == "commit" {
		if opts.Dropbox == "" {
			return errors.ConfigurationError("dropbox must be specified for this command").
				WithContext("command", command)
		}
	}
	if opts.Daemon && !daemon.Detached() {
		if err := daemon.ValidatePidfile(opts.Pidfile); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills flag values the operator left empty from the site
// defaults file. Flags always win.
func applyDefaults(d *config.Defaults) {
	if CLI.Dropbox == "" {
		CLI.Dropbox = d.Dropbox
	}
	if CLI.Group == "" {
		CLI.Group = d.Group
	}
	if d.Umask != "" && CLI.Umask == "077" {
		CLI.Umask = d.Umask
	}
}

// setupLogging points slog at stderr, or at a log file inside the workspace
// when this process is a detached background child with no terminal.
func setupLogging() {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if daemon.Detached() {
		logPath := filepath.Join(CLI.Target, "var", "log", "qproject.log")
		if f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640); err == nil {
			out = f
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}
