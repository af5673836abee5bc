// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd || linux

package shm

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// createFallbackObject creates a file-backed object. Non-freezable objects are
// unlinked at once, freezable ones keep the name until Freeze or Clone.
func createFallbackObject(size int, freezable bool) (*os.File, string, error) {
	dir, err := fallbackDirectory()
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "actor-ipc-"+uuid.NewString())
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, "", errors.Wrap(err, "open failed")
	}
	if err = file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, "", errors.Wrap(err, "truncate failed")
	}
	if !freezable {
		os.Remove(path)
		path = ""
	}
	return file, path, nil
}

// freezeFallbackObject drops write permissions of the file and reopens it read-only.
// The protection is DAC-based: a process, which forked between the creation
// and the freeze, keeps its writable descriptor.
func freezeFallbackObject(file *os.File, path string) (*os.File, error) {
	if err := file.Chmod(0400); err != nil {
		return nil, errors.Wrap(err, "chmod failed")
	}
	ro, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "reopen failed")
	}
	if err = os.Remove(path); err != nil {
		ro.Close()
		return nil, errors.Wrap(err, "unlink failed")
	}
	return ro, nil
}
