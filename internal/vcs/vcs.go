// Package vcs provides the version-control capability the workflow lifecycle
// depends on: check out a remote at a pinned revision into a destination
// directory.
package vcs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/qbicsoftware/qproject/internal/logfields"
)

// CheckoutFunc checks out remote at commit into dir and returns the resolved
// revision id. An empty commit means the remote's default branch head.
// Implementations must not retry; retry policy belongs to the caller.
type CheckoutFunc func(ctx context.Context, remote, commit, dir string) (string, error)

// Checkout clones remote into dir and, when a commit is pinned, detaches the
// worktree at that revision. The directory must already exist and be empty
// apart from what the clone writes.
func Checkout(ctx context.Context, remote, commit, dir string) (string, error) {
	slog.Debug("Cloning workflow source",
		logfields.Remote(remote), logfields.Revision(commit), logfields.Path(dir))

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: remote,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", remote, err)
	}

	if commit != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(commit))
		if err != nil {
			return "", fmt.Errorf("resolve revision %s: %w", commit, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("get worktree: %w", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
			return "", fmt.Errorf("checkout %s: %w", commit, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}

	revision := head.Hash().String()
	slog.Info("Workflow source checked out",
		logfields.Remote(remote), logfields.Revision(revision), logfields.Path(dir))
	return revision, nil
}
