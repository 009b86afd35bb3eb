// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package files holds the write-guards that keep config generation
// idempotent: a file is only touched when its content would change.
package files

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// WriteIfChanged writes data to path unless the file already has
// exactly that content. It reports whether a write happened.
func WriteIfChanged(path string, data []byte, perm os.FileMode) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, errors.Trace(err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// CopyIfMissing copies src to dst unless dst already exists. It
// reports whether a copy happened.
func CopyIfMissing(src, dst string, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errors.Trace(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return false, errors.Trace(err)
	}
	return true, errors.Trace(out.Sync())
}

// Exists reports whether path exists, without following through on
// any other probing.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
