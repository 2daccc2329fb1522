package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// AccessPolicy describes who owns staged files and how they are permissioned.
// The zero value changes nothing beyond default modes for newly created
// directories.
type AccessPolicy struct {
	User     string
	Group    string
	DirMode  fs.FileMode
	FileMode fs.FileMode
}

// PolicyFor builds the canonical policy: owner full access, group read/write
// when a group is supplied, owner-only otherwise.
func PolicyFor(usr, group string) AccessPolicy {
	p := AccessPolicy{
		User:     usr,
		Group:    group,
		DirMode:  0o700,
		FileMode: 0o600,
	}
	if group != "" {
		p.DirMode = 0o770
		p.FileMode = 0o660
	}
	return p
}

// ids resolves the numeric uid/gid for the policy. A -1 component means
// "leave unchanged" (matching os.Chown semantics).
func (p AccessPolicy) ids() (int, int, error) {
	uid, gid := -1, -1
	if p.User != "" {
		u, err := user.Lookup(p.User)
		if err != nil {
			return 0, 0, fmt.Errorf("lookup user %s: %w", p.User, err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return 0, 0, fmt.Errorf("parse uid for %s: %w", p.User, err)
		}
	}
	if p.Group != "" {
		g, err := user.LookupGroup(p.Group)
		if err != nil {
			return 0, 0, fmt.Errorf("lookup group %s: %w", p.Group, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("parse gid for %s: %w", p.Group, err)
		}
	}
	return uid, gid, nil
}

// Apply sets ownership and mode on a single path. Ownership is skipped
// entirely when neither user nor group is set.
func (p AccessPolicy) Apply(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	mode := p.FileMode
	if info.IsDir() {
		mode = p.DirMode
	} else if info.Mode()&0o100 != 0 {
		// Owner-executable files (workflow entry points, checked-out
		// scripts) keep execute permission for whoever the policy grants
		// access to.
		mode |= 0o100
		if p.Group != "" {
			mode |= 0o010
		}
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}

	if p.User == "" && p.Group == "" {
		return nil
	}
	uid, gid, err := p.ids()
	if err != nil {
		return err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// ApplyRecursive applies the policy to root and everything below it.
func (p AccessPolicy) ApplyRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return p.Apply(path)
	})
}

// ChownRecursive transfers ownership of root and everything below it without
// touching modes. Delivery applies its own umask-derived modes, so re-running
// the full policy there would undo them.
func (p AccessPolicy) ChownRecursive(root string) error {
	if p.User == "" && p.Group == "" {
		return nil
	}
	uid, gid, err := p.ids()
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
		return nil
	})
}
