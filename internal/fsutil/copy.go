// Package fsutil holds the filesystem copy primitives used for staging input
// data and delivering results.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyFile copies a regular file, masking the source mode with umask.
func CopyFile(src, dst string, umask fs.FileMode) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	mode := info.Mode().Perm() &^ umask
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// CopyTree recursively copies the directory src to dst, masking every copied
// mode with umask. dst is created if missing. Symlinks are not followed; the
// delivery contract covers regular files and directories only.
func CopyTree(src, dst string, umask fs.FileMode) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode().Perm()&^umask)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return CopyFile(path, dstPath, umask)
	})
}

// DeliverAtomic materializes dest in one step: stage is called with a hidden
// temporary sibling directory, which is renamed to dest only when stage
// returns nil. A failed stage never leaves a partial dest behind.
func DeliverAtomic(dest string, stage func(tmp string) error) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create delivery parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".staging-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	if err := stage(tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("finalize delivery: %w", err)
	}
	return nil
}
