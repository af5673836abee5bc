// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package common contains errno classification helpers shared by the runtime packages.
package common

import (
	"io"
	"syscall"

	"github.com/pkg/errors"
)

// SyscallErrHasCode returns true, if err, or any error it wraps, is the given errno.
// Network errors are unwrapped as well, net.OpError wraps os.SyscallError.
func SyscallErrHasCode(err error, code syscall.Errno) bool {
	return errors.Is(err, code)
}

// IsInterruptedSyscallErr returns true, if the syscall was interrupted by a signal.
func IsInterruptedSyscallErr(err error) bool {
	return SyscallErrHasCode(err, syscall.EINTR)
}

// IsConnectionLost returns true, if err means the other end of a stream has gone away.
func IsConnectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		SyscallErrHasCode(err, syscall.ECONNRESET) ||
		SyscallErrHasCode(err, syscall.EPIPE)
}

// IgnoringEINTR calls fn until it returns an error other than EINTR.
func IgnoringEINTR(fn func() error) error {
	for {
		err := fn()
		if !IsInterruptedSyscallErr(err) {
			return err
		}
	}
}
