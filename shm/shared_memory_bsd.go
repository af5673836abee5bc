// Copyright 2015 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd

package shm

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func createObject(size int, freezable bool) (*os.File, string, error) {
	return createFallbackObject(size, freezable)
}

func freezeObject(file *os.File, path string) (*os.File, error) {
	if path == "" {
		return nil, ErrNotFreezable
	}
	return freezeFallbackObject(file, path)
}

func isFrozen(file *os.File) bool {
	return false
}

func checkMappable(file *os.File) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &st); err != nil {
		return errors.Wrap(err, "fstat failed")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return ErrUnsafeHandle
	}
	return nil
}

func fallbackDirectory() (string, error) {
	return os.TempDir(), nil
}
