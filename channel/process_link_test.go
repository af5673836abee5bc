// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd || linux

package channel

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"

	"github.com/nxgtw/actor-ipc/executor"
	"github.com/nxgtw/actor-ipc/shm"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIOThread(t *testing.T) *IOThread {
	io, err := NewIOThread(8, nil)
	require.NoError(t, err)
	t.Cleanup(io.Close)
	return io
}

func openProcessPair(t *testing.T, first, second *ProcessLink, parentL, childL *testListener) (*Channel, *Channel) {
	parentTarget := executor.New("parent", nil)
	childTarget := executor.New("child", nil)
	t.Cleanup(func() {
		parentTarget.Stop()
		childTarget.Stop()
	})
	parent := New(parentL, parentTarget, Options{BuildID: "test"})
	child := New(childL, childTarget, Options{BuildID: "test"})
	require.NoError(t, parent.Open(first, SideParent))
	require.NoError(t, child.Open(second, SideChild))
	waitFor(t, parentL.connected)
	waitFor(t, childL.connected)
	return parent, child
}

func TestProcessLinkCallWithHandle(t *testing.T) {
	a := assert.New(t)
	first, second, err := NewProcessLinkPair(newIOThread(t))
	if !a.NoError(err) {
		return
	}
	parentL, childL := newTestListener(), newTestListener()
	childL.onCall = func(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
		r := wire.NewReader(msg)
		name := r.ReadString()
		h := r.ReadHandle()
		if err := r.Err(); err != nil {
			return nil, err
		}
		defer h.Close()
		m, err := h.Map(h.Size())
		if err != nil {
			return nil, err
		}
		defer m.Close()
		return stringReply(t, msg, name+":"+string(m.Data()[:5])), nil
	}
	parent, child := openProcessPair(t, first, second, parentL, childL)
	a.Equal(os.Getpid(), parent.PeerPid())
	a.True(parent.BuildIDVerified())

	h, err := shm.Create(4096, false)
	if !a.NoError(err) {
		return
	}
	m, err := h.Map(h.Size())
	if !a.NoError(err) {
		return
	}
	copy(m.Data(), "hello")
	a.NoError(m.Close())

	msg := newTestMessage(t, testType, 0, "")
	w := wire.NewWriter()
	w.WriteString("segment")
	w.WriteHandle(h)
	a.NoError(msg.SetPayload(w))
	reply, err := call(parent, msg)
	if a.NoError(err) {
		a.Equal("segment:hello", payloadString(reply))
	}

	a.NoError(child.Send(newTestMessage(t, testType, 0, "async")))
	a.Equal("async", waitFor(t, parentL.incoming).payload)

	parent.Close()
	waitFor(t, parentL.closed)
	waitFor(t, childL.closed)
	waitFor(t, first.done)
	waitFor(t, second.done)
	a.Equal(StateClosed, child.State())
}

func TestProcessLinkPeerGone(t *testing.T) {
	a := assert.New(t)
	first, second, err := NewProcessLinkPair(newIOThread(t))
	if !a.NoError(err) {
		return
	}
	parentL, childL := newTestListener(), newTestListener()
	_, child := openProcessPair(t, first, second, parentL, childL)
	child.CloseWithError(errors.New("crashed"))
	waitFor(t, childL.errs)
	a.Equal(ErrPeerGone, errors.Cause(waitFor(t, parentL.errs)))
}

func TestProcessLinkWriteToGonePeer(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on EPIPE after the peer shuts down reading")
	}
	a := assert.New(t)
	first, second, err := NewProcessLinkPair(newIOThread(t))
	if !a.NoError(err) {
		return
	}
	parentL, childL := newTestListener(), newTestListener()
	parent, _ := openProcessPair(t, first, second, parentL, childL)
	// the child stops reading without closing, so only the parent writer can notice.
	second.closing.Store(true)
	defer second.conn.Close()
	if !a.NoError(second.conn.CloseRead()) {
		return
	}
	a.NoError(parent.Send(newTestMessage(t, testType, 0, strings.Repeat("x", 1<<20))))
	err = waitFor(t, parentL.errs)
	a.Equal(ErrPeerGone, errors.Cause(err))
	a.Equal(StateError, parent.State())
}

func TestProcessLinkClassify(t *testing.T) {
	a := assert.New(t)
	first, second, err := NewProcessLinkPair(newIOThread(t))
	if !a.NoError(err) {
		return
	}
	parentL, childL := newTestListener(), newTestListener()
	parent, _ := openProcessPair(t, first, second, parentL, childL)
	reset := &net.OpError{Op: "read", Net: "unix", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	broken := &net.OpError{Op: "write", Net: "unix", Err: os.NewSyscallError("sendmsg", syscall.EPIPE)}
	a.Equal(ErrPeerGone, errors.Cause(first.classify(io.EOF)))
	a.Equal(ErrPeerGone, errors.Cause(first.classify(reset)))
	a.Equal(ErrPeerGone, errors.Cause(first.classify(errors.Wrap(broken, "write failed"))))
	framing := errors.Wrap(wire.ErrFraming, "invalid frame size 1")
	a.Equal(framing, first.classify(framing))
	parent.Close()
	waitFor(t, childL.closed)
}

func TestProcessLinkSendAfterClose(t *testing.T) {
	a := assert.New(t)
	first, second, err := NewProcessLinkPair(newIOThread(t))
	if !a.NoError(err) {
		return
	}
	defer first.conn.Close()
	defer second.conn.Close()
	first.Close()
	a.Equal(ErrClosed, first.SendMessage(newTestMessage(t, testType, 0, "")))
}

func TestDialProcessLink(t *testing.T) {
	a := assert.New(t)
	io := newIOThread(t)
	path := filepath.Join(t.TempDir(), "ipc.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if !a.NoError(err) {
		return
	}
	defer ln.Close()
	accepted := make(chan *ProcessLink, 1)
	go func() {
		link, err := AcceptProcessLink(ln, io)
		if err == nil {
			accepted <- link
		}
	}()
	dialed, err := DialProcessLink(context.Background(), path, io)
	if !a.NoError(err) {
		return
	}
	parentL, childL := newTestListener(), newTestListener()
	parent, _ := openProcessPair(t, waitFor(t, accepted), dialed, parentL, childL)
	a.NoError(parent.Send(newTestMessage(t, testType, 0, "dialed")))
	a.Equal("dialed", waitFor(t, childL.incoming).payload)
	parent.Close()
	waitFor(t, childL.closed)
}

func TestDialProcessLinkCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialProcessLink(ctx, filepath.Join(t.TempDir(), "missing.sock"), newIOThread(t))
	assert.Error(t, err)
}
