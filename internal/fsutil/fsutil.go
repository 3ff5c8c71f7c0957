// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains file system utilities shared by the pipeline stages:
// path expansion and atomic writes (temp file + rename).
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// ResolvePath expands "~" and, if path is relative and base is not empty, joins it to base.
func ResolvePath(base, path string) (string, error) {
	path, err := ReplaceTildeInDir(path)
	if err != nil {
		return "", err
	}
	if base == "" || filepath.IsAbs(path) {
		return path, nil
	}
	base, err = ReplaceTildeInDir(base)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, path), nil
}

// WriteFileAtomic writes the output of fill to a temporary file in the same directory as path,
// syncs it and renames it over path. A failure at any point leaves the previous contents of path intact.
func WriteFileAtomic(path string, fill func(f *os.File) error) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if err = fill(f); err != nil {
		return errors.WithMessagef(err, "while writing %q", path)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, path)
	}
	return nil
}

// WriteBytesAtomic is a WriteFileAtomic shortcut for contents already in memory.
func WriteBytesAtomic(path string, contents []byte) error {
	return WriteFileAtomic(path, func(f *os.File) error {
		_, err := f.Write(contents)
		return err
	})
}

// ReplaceDirAtomic replaces the directory dst with src, which must be a fully written directory
// on the same file system. The previous dst is moved aside to dst+".old" first and removed only after
// the swap, so at every moment either the old or the new directory is complete under some name.
// RecoverReplacedDir restores dst if the process died between the two renames.
func ReplaceDirAtomic(src, dst string) error {
	if _, err := RecoverReplacedDir(dst); err != nil {
		return err
	}
	old := dst + ".old"
	_ = os.RemoveAll(old)
	exists, err := FileExists(dst)
	if err != nil {
		return err
	}
	if exists {
		if err := os.Rename(dst, old); err != nil {
			return errors.Wrapf(err, "failed to move %q aside", dst)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		if exists {
			_ = os.Rename(old, dst)
		}
		return errors.Wrapf(err, "failed to rename %q to %q", src, dst)
	}
	if exists {
		if err := os.RemoveAll(old); err != nil {
			return errors.Wrapf(err, "failed to remove previous %q", old)
		}
	}
	return nil
}

// RecoverReplacedDir moves dst+".old" back to dst if dst is missing: the state left by a ReplaceDirAtomic
// interrupted after moving the previous directory aside. It returns whether dst was recovered.
func RecoverReplacedDir(dst string) (recovered bool, err error) {
	exists, err := FileExists(dst)
	if err != nil || exists {
		return false, err
	}
	old := dst + ".old"
	exists, err = FileExists(old)
	if err != nil || !exists {
		return false, err
	}
	if err = os.Rename(old, dst); err != nil {
		return false, errors.Wrapf(err, "failed to recover %q from %q", dst, old)
	}
	return true, nil
}
