package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// initSourceRepo builds a local repository with two commits and returns its
// path plus both commit hashes.
func initSourceRepo(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	worktree, err := repo.Worktree()
	require.NoError(t, err)

	sig := &object.Signature{Name: "tester", Email: "tester@example.org", When: time.Now()}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	_, err = worktree.Add("run")
	require.NoError(t, err)
	first, err := worktree.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte("2\n"), 0o644))
	_, err = worktree.Add("VERSION")
	require.NoError(t, err)
	second, err := worktree.Commit("second", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	return dir, first.String(), second.String()
}

func TestCheckoutHead(t *testing.T) {
	source, _, second := initSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "wf")

	rev, err := Checkout(context.Background(), source, "", dest)
	require.NoError(t, err)
	require.Equal(t, second, rev)

	_, err = os.Stat(filepath.Join(dest, "VERSION"))
	require.NoError(t, err)
}

func TestCheckoutPinnedCommit(t *testing.T) {
	source, first, _ := initSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "wf")

	rev, err := Checkout(context.Background(), source, first, dest)
	require.NoError(t, err)
	require.Equal(t, first, rev)

	// The second commit's file must not be present at the pinned revision.
	_, err = os.Stat(filepath.Join(dest, "VERSION"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "run"))
	require.NoError(t, err)
}

func TestCheckoutBadRemote(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "wf")
	_, err := Checkout(context.Background(), filepath.Join(t.TempDir(), "nope"), "", dest)
	require.Error(t, err)
}

func TestCheckoutBadRevision(t *testing.T) {
	source, _, _ := initSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "wf")

	_, err := Checkout(context.Background(), source, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", dest)
	require.Error(t, err)
}
