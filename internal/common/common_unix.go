// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package common

import (
	"golang.org/x/sys/unix"
)

// CloseOnExecDup duplicates fd. The new descriptor has FD_CLOEXEC set.
func CloseOnExecDup(fd int) (int, error) {
	var result int
	err := IgnoringEINTR(func() error {
		var err error
		result, err = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		return err
	})
	return result, err
}

// AccessMode returns O_RDONLY, O_WRONLY or O_RDWR for the given descriptor.
func AccessMode(fd int) (int, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, err
	}
	return flags & unix.O_ACCMODE, nil
}
