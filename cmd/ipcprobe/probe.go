// Copyright 2016 Aleksandr Demakin. All rights reserved.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/nxgtw/actor-ipc/actor"
	"github.com/nxgtw/actor-ipc/channel"
	"github.com/nxgtw/actor-ipc/executor"
	"github.com/nxgtw/actor-ipc/internal/config"
	"github.com/nxgtw/actor-ipc/internal/metrics"
	"github.com/nxgtw/actor-ipc/shm"
	"github.com/nxgtw/actor-ipc/shmem"
	"github.com/nxgtw/actor-ipc/snapshot"
	"github.com/nxgtw/actor-ipc/wire"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "ipcprobe"

// probe holds everything shared by the toplevels of one process.
type probe struct {
	cfg     *config.Config
	codec   wire.Codec
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	stats   *shm.Stats
	shmOpts []shm.Option
	io      *channel.IOThread
	current atomic.Pointer[actor.Toplevel]
}

func newProbe(cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) (*probe, error) {
	m, err := metrics.New(reg, namespace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register metrics")
	}
	stats := shm.NewStats(namespace)
	if err := reg.Register(stats); err != nil {
		return nil, errors.Wrap(err, "failed to register shm stats")
	}
	io, err := channel.NewIOThread(cfg.IOWorkers, log)
	if err != nil {
		return nil, err
	}
	p := &probe{
		cfg:     cfg,
		codec:   cfg.Codec(),
		log:     log,
		reg:     reg,
		metrics: m,
		stats:   stats,
		shmOpts: []shm.Option{shm.WithStats(stats)},
		io:      io,
	}
	p.codec.ShmOptions = p.shmOpts
	return p, nil
}

func (p *probe) Close() {
	p.io.Close()
}

// open connects a new toplevel over link.
func (p *probe) open(link channel.Link, side channel.Side) (*actor.Toplevel, *probeRoot, error) {
	id := side.String() + "-" + uuid.NewString()
	log := p.log.With(zap.Stringer("side", side))
	obs := p.metrics.Channel(id)
	root := newProbeRoot(p.codec, log)
	target := executor.New(id, log)
	tl := actor.NewToplevel(root, target, actor.Options{
		Channel:         p.cfg.ChannelOptions(id, log, obs),
		Debug:           p.cfg.Debug,
		Logger:          log,
		SegmentObserver: obs,
		ShmOptions:      p.shmOpts,
	})
	p.current.Store(tl)
	if err := tl.Open(link, side); err != nil {
		target.Stop()
		return nil, nil, err
	}
	go func() {
		<-tl.Done()
		target.Stop()
	}()
	return tl, root, nil
}

// ready reports whether the channel is connected.
func (p *probe) ready() error {
	tl := p.current.Load()
	if tl == nil {
		return errors.New("no channel")
	}
	if state := tl.Channel().State(); state != channel.StateConnected {
		return errors.Errorf("channel is %s", state)
	}
	return nil
}

func (p *probe) serveMetrics(addr string) *http.Server {
	health := healthcheck.NewMetricsHandler(p.reg, namespace)
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("channel", p.ready)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// serveChild runs the child end over the inherited socket until the parent closes the channel.
func (p *probe) serveChild(ctx context.Context, f *os.File) error {
	link, err := channel.ProcessLinkFromFile(f, p.io, p.shmOpts...)
	if err != nil {
		return err
	}
	tl, _, err := p.open(link, channel.SideChild)
	if err != nil {
		return err
	}
	select {
	case <-tl.Done():
	case <-ctx.Done():
		tl.Close()
		<-tl.Done()
	}
	return tl.Err()
}

// spawn starts cmd with one end of a socket pair as its descriptor 3.
func (p *probe) spawn(cmd *exec.Cmd) (*channel.ProcessLink, error) {
	parentEnd, childEnd, err := channel.SocketPair()
	if err != nil {
		return nil, err
	}
	cmd.ExtraFiles = []*os.File{childEnd}
	err = cmd.Start()
	childEnd.Close()
	if err != nil {
		parentEnd.Close()
		return nil, errors.Wrap(err, "failed to start child")
	}
	p.log.Info("child started", zap.Int("pid", cmd.Process.Pid))
	link, err := channel.ProcessLinkFromFile(parentEnd, p.io, p.shmOpts...)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	return link, nil
}

// runParent starts the child, runs all exchanges and closes the channel.
func (p *probe) runParent(ctx context.Context, cmd *exec.Cmd, opts exerciseOptions) (report, error) {
	link, err := p.spawn(cmd)
	if err != nil {
		return report{}, err
	}
	tl, root, err := p.open(link, channel.SideParent)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return report{}, err
	}
	rep, err := p.exercise(ctx, tl, root, opts)
	tl.Close()
	<-tl.Done()
	waitErr := cmd.Wait()
	if err != nil {
		return rep, err
	}
	if waitErr != nil {
		return rep, errors.Wrap(waitErr, "child failed")
	}
	p.log.Info("probe finished", zap.Stringer("report", rep))
	return rep, nil
}

type exerciseOptions struct {
	PayloadSize int
	SegmentSize int
	Snapshot    string
}

// exchange is the outcome of one call to the worker.
type exchange struct {
	Size int
	Sum  uint64
	// Shared is set, if the data went through shared memory.
	Shared bool
}

type report struct {
	Blob     exchange
	Segment  exchange
	Snapshot exchange
}

func (r report) String() string {
	return fmt.Sprintf("blob: %d bytes (shared: %v), segment: %d bytes, snapshot: %d bytes (read-only: %v)",
		r.Blob.Size, r.Blob.Shared, r.Segment.Size, r.Snapshot.Size, r.Snapshot.Shared)
}

func (p *probe) exercise(ctx context.Context, tl *actor.Toplevel, root *probeRoot, opts exerciseOptions) (report, error) {
	if err := tl.WaitConnected(ctx); err != nil {
		return report{}, errors.Wrap(err, "child did not connect")
	}
	var (
		rep report
		err error
	)
	if runErr := tl.Target().Run(ctx, func(ctx context.Context) {
		rep, err = p.exerciseOn(ctx, tl, root, opts)
	}); runErr != nil {
		return report{}, runErr
	}
	return rep, err
}

func (p *probe) exerciseOn(ctx context.Context, tl *actor.Toplevel, root *probeRoot, opts exerciseOptions) (report, error) {
	worker := newProbeWorker(p.codec, p.log)
	if err := root.Construct(worker); err != nil {
		return report{}, errors.Wrap(err, "failed to construct worker")
	}
	defer worker.Delete()
	var (
		rep report
		err error
	)
	if rep.Blob, err = p.sendBlob(ctx, worker, opts.PayloadSize); err != nil {
		return rep, errors.Wrap(err, "blob")
	}
	if rep.Segment, err = p.sendSegment(ctx, tl, worker, opts.SegmentSize); err != nil {
		return rep, errors.Wrap(err, "segment")
	}
	if rep.Snapshot, err = p.sendSnapshot(ctx, worker, opts.Snapshot); err != nil {
		return rep, errors.Wrap(err, "snapshot")
	}
	return rep, nil
}

func fill(data []byte) {
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
}

// call sends a message of type typ with the payload written by write, and checks the returned checksum.
func call(ctx context.Context, worker *probeWorker, typ uint32, want uint64, write func(w *wire.Writer) error) (bool, error) {
	msg, err := wire.NewMessage(0, typ, 0)
	if err != nil {
		return false, err
	}
	w := wire.NewWriter()
	if err := write(w); err != nil {
		w.Release()
		return false, err
	}
	if err := msg.SetPayload(w); err != nil {
		return false, err
	}
	reply, err := worker.Call(ctx, msg)
	if err != nil {
		return false, err
	}
	defer reply.Close()
	r := wire.NewReader(reply)
	sum, flag := r.ReadUint64(), r.ReadBool()
	if err := r.Err(); err != nil {
		return false, errors.Wrap(err, "malformed reply")
	}
	if sum != want {
		return false, errors.Errorf("checksum mismatch: sent %x, peer got %x", want, sum)
	}
	return flag, nil
}

func (p *probe) sendBlob(ctx context.Context, worker *probeWorker, size int) (exchange, error) {
	buf, err := p.codec.NewBigBuffer(size)
	if err != nil {
		return exchange{}, err
	}
	fill(buf.Data())
	ex := exchange{Size: size, Sum: xxhash.Sum64(buf.Data())}
	ex.Shared, err = call(ctx, worker, blobType, ex.Sum, func(w *wire.Writer) error {
		return p.codec.WriteBigBuffer(w, buf)
	})
	return ex, err
}

func (p *probe) sendSegment(ctx context.Context, tl *actor.Toplevel, worker *probeWorker, size int) (exchange, error) {
	seg, err := tl.AllocShmem(size, false)
	if err != nil {
		return exchange{}, err
	}
	defer tl.DeallocShmem(seg)
	fill(seg.Data())
	ex := exchange{Size: size, Sum: xxhash.Sum64(seg.Data()), Shared: true}
	_, err = call(ctx, worker, segmentType, ex.Sum, func(w *wire.Writer) error {
		return tl.Segments().WriteSegment(w, seg)
	})
	if err == nil && seg.Data() != nil {
		err = errors.Wrap(shmem.ErrRevoked, "segment is still accessible after the transfer")
	}
	return ex, err
}

func (p *probe) sendSnapshot(ctx context.Context, worker *probeWorker, text string) (exchange, error) {
	b := snapshot.NewBuilder(p.shmOpts...)
	if err := b.Init(len(text)); err != nil {
		return exchange{}, err
	}
	if _, err := io.WriteString(b, text); err != nil {
		if h, ferr := b.Finalize(); ferr == nil {
			h.Close()
		}
		return exchange{}, err
	}
	h, err := b.Finalize()
	if err != nil {
		return exchange{}, err
	}
	ex := exchange{Size: len(text), Sum: xxhash.Sum64String(text)}
	ex.Shared, err = call(ctx, worker, snapshotType, ex.Sum, func(w *wire.Writer) error {
		w.WriteLen(len(text))
		w.WriteHandle(h)
		return w.Err()
	})
	if err == nil && !ex.Shared {
		err = errors.New("peer could write to the snapshot")
	}
	return ex, err
}
