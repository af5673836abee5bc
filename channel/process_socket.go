// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd || linux

package channel

import (
	"context"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/nxgtw/actor-ipc/shm"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	dialInitialInterval = 10 * time.Millisecond
	dialTimeout         = 5 * time.Second
)

// SocketPair returns two connected unix stream sockets.
// Both are close-on-exec, so pass one to a child with exec.Cmd.ExtraFiles.
func SocketPair() (*os.File, *os.File, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, errors.Wrap(os.NewSyscallError("socketpair", err), "failed to create socket pair")
	}
	return os.NewFile(uintptr(fds[0]), "ipc-socket-0"), os.NewFile(uintptr(fds[1]), "ipc-socket-1"), nil
}

// ConnFromFile converts a socket file into a connection. f is closed.
func ConnFromFile(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid socket %q", f.Name())
	}
	conn, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("%q is not a unix socket", f.Name())
	}
	return conn, nil
}

// ProcessLinkFromFile creates a link over an inherited socket.
func ProcessLinkFromFile(f *os.File, io *IOThread, opts ...shm.Option) (*ProcessLink, error) {
	conn, err := ConnFromFile(f)
	if err != nil {
		return nil, err
	}
	return NewProcessLink(conn, io, opts...), nil
}

// NewProcessLinkPair returns two connected links.
func NewProcessLinkPair(io *IOThread, opts ...shm.Option) (*ProcessLink, *ProcessLink, error) {
	f0, f1, err := SocketPair()
	if err != nil {
		return nil, nil, err
	}
	first, err := ProcessLinkFromFile(f0, io, opts...)
	if err != nil {
		f1.Close()
		return nil, nil, err
	}
	second, err := ProcessLinkFromFile(f1, io, opts...)
	if err != nil {
		first.conn.Close()
		return nil, nil, err
	}
	return first, second, nil
}

// DialProcessLink connects to a listening socket at path.
// It retries until the socket appears, ctx is done, or a timeout expires.
func DialProcessLink(ctx context.Context, path string, io *IOThread, opts ...shm.Option) (*ProcessLink, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = dialInitialInterval
	policy.MaxElapsedTime = dialTimeout
	var conn *net.UnixConn
	err := backoff.Retry(func() error {
		c, err := net.DialUnix("unix", nil, addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %q", path)
	}
	return NewProcessLink(conn, io, opts...), nil
}

// AcceptProcessLink waits for a connection on ln.
func AcceptProcessLink(ln *net.UnixListener, io *IOThread, opts ...shm.Option) (*ProcessLink, error) {
	conn, err := ln.AcceptUnix()
	if err != nil {
		return nil, errors.Wrap(err, "accept failed")
	}
	return NewProcessLink(conn, io, opts...), nil
}
