// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build darwin || freebsd || linux

package channel

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nxgtw/actor-ipc/internal/common"
	"github.com/nxgtw/actor-ipc/shm"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	lengthSize = 4
	// MaxFrameSize is the largest encoded message a process link accepts.
	MaxFrameSize = 256 << 20
	// MaxHandles is the largest number of handles a message may carry.
	MaxHandles = 64
)

// ProcessLink is a link to a channel in another process over a unix socket.
// Frames are length-prefixed messages, handles travel as SCM_RIGHTS.
// The reader and the writer loops run on an IOThread.
type ProcessLink struct {
	conn     *net.UnixConn
	io       *IOThread
	outgoing *queue.Queue
	shmOpts  []shm.Option
	ch       *Channel
	log      *zap.Logger
	closing  atomic.Bool
	wg       sync.WaitGroup
	done     chan struct{}
}

type closeMarker struct{}

// NewProcessLink creates a link over conn. opts are applied to received handles.
func NewProcessLink(conn *net.UnixConn, io *IOThread, opts ...shm.Option) *ProcessLink {
	return &ProcessLink{
		conn:     conn,
		io:       io,
		outgoing: queue.New(64),
		shmOpts:  opts,
		log:      zap.NewNop(),
		done:     make(chan struct{}),
	}
}

// Start implements Link.
func (l *ProcessLink) Start(ch *Channel) error {
	if l.ch != nil {
		return errors.New("process link is already started")
	}
	l.ch = ch
	l.log = ch.log
	l.wg.Add(2)
	if err := l.io.Go(l.readLoop); err != nil {
		l.wg.Add(-2)
		return err
	}
	if err := l.io.Go(l.writeLoop); err != nil {
		l.closing.Store(true)
		l.conn.Close()
		l.wg.Done()
		return err
	}
	go func() {
		l.wg.Wait()
		close(l.done)
	}()
	return nil
}

// SendMessage implements Link.
func (l *ProcessLink) SendMessage(msg *wire.Message) error {
	if l.closing.Load() {
		msg.Close()
		return ErrClosed
	}
	if len(msg.Handles) > MaxHandles {
		msg.Close()
		return errors.Wrapf(wire.ErrFraming, "%d handles in a message", len(msg.Handles))
	}
	if err := l.outgoing.Put(msg); err != nil {
		msg.Close()
		return ErrClosed
	}
	return nil
}

// Close implements Link. Messages queued before are still written.
func (l *ProcessLink) Close() {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}
	if err := l.outgoing.Put(closeMarker{}); err != nil {
		l.conn.Close()
	}
}

// QueuedCount implements Link.
func (l *ProcessLink) QueuedCount() int {
	return int(l.outgoing.Len())
}

// Done is closed when both transport loops have exited.
func (l *ProcessLink) Done() <-chan struct{} {
	return l.done
}

func (l *ProcessLink) shutdown() {
	for _, item := range l.outgoing.Dispose() {
		if msg, ok := item.(*wire.Message); ok {
			msg.Close()
		}
	}
	l.conn.Close()
}

func (l *ProcessLink) fail(err error) {
	if !l.closing.Load() {
		l.ch.onLinkError(err)
	}
}

func (l *ProcessLink) writeLoop() {
	defer l.wg.Done()
	for {
		items, err := l.outgoing.Get(1)
		if err != nil {
			return
		}
		switch item := items[0].(type) {
		case closeMarker:
			l.shutdown()
			return
		case *wire.Message:
			if err := l.writeMessage(item); err != nil {
				l.fail(l.classify(errors.Wrap(err, "write failed")))
				l.shutdown()
				return
			}
		}
	}
}

func (l *ProcessLink) writeMessage(msg *wire.Message) error {
	defer msg.Close()
	encoded := msg.Encode()
	frame := make([]byte, lengthSize+len(encoded))
	binary.LittleEndian.PutUint32(frame, uint32(len(encoded)))
	copy(frame[lengthSize:], encoded)
	var oob []byte
	if len(msg.Handles) > 0 {
		fds := make([]int, len(msg.Handles))
		for i, h := range msg.Handles {
			fds[i] = int(h.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	n, _, err := l.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return err
	}
	if n < len(frame) {
		_, err = l.conn.Write(frame[n:])
	}
	return err
}

func (l *ProcessLink) readLoop() {
	defer l.wg.Done()
	r := &frameReader{conn: l.conn, oob: make([]byte, unix.CmsgSpace(MaxHandles*4))}
	defer r.closeFds()
	for {
		msg, err := l.readMessage(r)
		if err != nil {
			if !l.closing.Load() {
				l.fail(l.classify(err))
			}
			return
		}
		l.ch.receive(msg)
	}
}

func (l *ProcessLink) readMessage(r *frameReader) (*wire.Message, error) {
	var lenBuf [lengthSize]byte
	if err := r.readFull(lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size < wire.HeaderSize || size > MaxFrameSize {
		return nil, errors.Wrapf(wire.ErrFraming, "invalid frame size %d", size)
	}
	frame := make([]byte, size)
	if err := r.readFull(frame); err != nil {
		return nil, err
	}
	hdr, err := wire.UnmarshalHeader(frame)
	if err != nil {
		return nil, err
	}
	count := int(hdr.NumHandles)
	if count > MaxHandles || count > len(r.fds) {
		return nil, errors.Wrapf(wire.ErrFraming, "%d handles announced, %d received", count, len(r.fds))
	}
	fds := r.fds[:count]
	r.fds = r.fds[count:]
	handles := make([]*shm.Handle, 0, count)
	for i, fd := range fds {
		h, err := shm.HandleFromFd(uintptr(fd), l.shmOpts...)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			for _, fd := range fds[i+1:] {
				unix.Close(fd)
			}
			return nil, errors.Wrap(err, "invalid received handle")
		}
		handles = append(handles, h)
	}
	msg, err := wire.Decode(frame, handles)
	if err != nil {
		for _, h := range handles {
			h.Close()
		}
		return nil, err
	}
	return msg, nil
}

// classify turns a connection loss seen by either loop into ErrPeerGone.
func (l *ProcessLink) classify(err error) error {
	if !common.IsConnectionLost(err) {
		return err
	}
	pid := l.ch.PeerPid()
	if pid <= 0 {
		return errors.Wrap(ErrPeerGone, "connection closed before hello")
	}
	if exists, perr := process.PidExists(int32(pid)); perr == nil && !exists {
		return errors.Wrapf(ErrPeerGone, "process %d exited", pid)
	}
	return errors.Wrapf(ErrPeerGone, "process %d closed the connection", pid)
}

// frameReader reads from a unix socket, collecting received descriptors.
type frameReader struct {
	conn *net.UnixConn
	oob  []byte
	fds  []int
}

func (r *frameReader) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, oobn, flags, _, err := r.conn.ReadMsgUnix(buf[off:], r.oob)
		if oobn > 0 {
			if cerr := r.collect(r.oob[:oobn]); cerr != nil {
				return cerr
			}
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return errors.Wrap(wire.ErrFraming, "control message truncated")
		}
		if err != nil {
			return err
		}
		if n == 0 && oobn == 0 {
			return io.EOF
		}
		off += n
	}
	return nil
}

func (r *frameReader) collect(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return errors.Wrap(err, "failed to parse control message")
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		r.fds = append(r.fds, fds...)
	}
	return nil
}

func (r *frameReader) closeFds() {
	for _, fd := range r.fds {
		unix.Close(fd)
	}
	r.fds = nil
}
