package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbicsoftware/qproject/internal/errors"
	"github.com/qbicsoftware/qproject/internal/workspace"
)

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Prepare(filepath.Join(t.TempDir(), "w"), true,
		workspace.AccessPolicy{DirMode: 0o700, FileMode: 0o600})
	require.NoError(t, err)
	return ws
}

func TestNameDerivedFromRemote(t *testing.T) {
	ws := newTestWorkspace(t)

	cases := map[string]string{
		"https://example.org/group/repoA.git": "repoA",
		"https://example.org/group/repoA":     "repoA",
		"git@example.org:group/repoB.git":     "repoB",
		"/srv/git/repoC/":                     "repoC",
	}
	for remote, want := range cases {
		w, err := New(ws, Options{Remote: remote})
		require.NoError(t, err, remote)
		require.Equal(t, want, w.Name, remote)
	}
}

func TestExplicitNameWins(t *testing.T) {
	ws := newTestWorkspace(t)

	w, err := New(ws, Options{Name: "custom", Remote: "https://example.org/repoA.git"})
	require.NoError(t, err)
	require.Equal(t, "custom", w.Name)
	require.Equal(t, filepath.Join(ws.Src, "custom"), w.Dir)
}

func TestNewRejectsMissingName(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := New(ws, Options{})
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryConfig))
}

func TestNewRejectsPathologicalNames(t *testing.T) {
	ws := newTestWorkspace(t)

	for _, name := range []string{"..", ".", "a/b"} {
		_, err := New(ws, Options{Name: name})
		require.Error(t, err, name)
	}
}

func TestCreateConflictsOnSecondCall(t *testing.T) {
	ws := newTestWorkspace(t)
	w, err := New(ws, Options{Name: "repoA"})
	require.NoError(t, err)

	require.NoError(t, w.Create())
	require.Equal(t, StateCreated, w.State)

	info, err := os.Stat(w.Dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	err = w.Create()
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestCloneWithoutRemoteIsNoop(t *testing.T) {
	ws := newTestWorkspace(t)
	w, err := New(ws, Options{Name: "prepopulated"})
	require.NoError(t, err)
	require.NoError(t, w.Create())

	require.NoError(t, w.Clone(context.Background()))
	require.Equal(t, StateCloned, w.State)
	require.Empty(t, w.Revision)
}

func TestCloneUsesCheckoutCapability(t *testing.T) {
	ws := newTestWorkspace(t)

	var gotRemote, gotCommit, gotDir string
	fake := func(_ context.Context, remote, commit, dir string) (string, error) {
		gotRemote, gotCommit, gotDir = remote, commit, dir
		return "abc123", os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\n"), 0o700)
	}

	w, err := New(ws, Options{Remote: "https://example.org/repoA.git", Commit: "commit1", Checkout: fake})
	require.NoError(t, err)
	require.NoError(t, w.Create())
	require.NoError(t, w.Clone(context.Background()))

	require.Equal(t, "https://example.org/repoA.git", gotRemote)
	require.Equal(t, "commit1", gotCommit)
	require.Equal(t, w.Dir, gotDir)
	require.Equal(t, "abc123", w.Revision)
	require.Equal(t, StateCloned, w.State)
}

func TestCloneFailureIsSourceError(t *testing.T) {
	ws := newTestWorkspace(t)

	fake := func(_ context.Context, _, _, _ string) (string, error) {
		return "", os.ErrNotExist
	}
	w, err := New(ws, Options{Remote: "https://example.org/repoA.git", Checkout: fake})
	require.NoError(t, err)
	require.NoError(t, w.Create())

	err = w.Clone(context.Background())
	require.Error(t, err)
	require.True(t, errors.IsCategory(err, errors.CategorySource))
}

func TestWriteConfigRoundTrip(t *testing.T) {
	ws := newTestWorkspace(t)

	params := map[string]any{
		"threshold": 0.5,
		"samples":   []any{"s1", "s2"},
		"nested":    map[string]any{"key": "value"},
	}
	w, err := New(ws, Options{Name: "repoA", Params: params})
	require.NoError(t, err)
	require.NoError(t, w.Create())
	require.NoError(t, w.WriteConfig())
	require.Equal(t, StateConfigured, w.State)

	data, err := os.ReadFile(w.ParamsPath())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, params, got)
}

func TestWriteConfigWithoutParams(t *testing.T) {
	ws := newTestWorkspace(t)
	w, err := New(ws, Options{Name: "repoA"})
	require.NoError(t, err)
	require.NoError(t, w.Create())

	require.NoError(t, w.WriteConfig())
	require.Equal(t, StateConfigured, w.State)

	_, err = os.Stat(w.ParamsPath())
	require.True(t, os.IsNotExist(err))
}
