// Copyright 2016 Aleksandr Demakin. All rights reserved.

// ipcprobe checks the ipc stack end to end. It re-executes itself as a child
// process connected with a socket pair, and then performs a sync call carrying
// a large blob, transfers a managed segment, and shares a frozen snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/nxgtw/actor-ipc/internal/config"

	"github.com/prometheus/client_golang/prometheus"
)

// childFd is the descriptor of the socket inherited by the child via ExtraFiles.
const childFd = 3

var (
	childMode    = flag.Bool("child", false, "run as the child end of the probe (internal)")
	payloadSize  = flag.Int("payload", 1<<20, "size of the blob sent with a sync call")
	segmentSize  = flag.Int("segment", 64<<10, "size of the managed segment")
	snapshotText = flag.String("snapshot", "frozen snapshot", "contents of the read-only snapshot")
	metricsAddr  = flag.String("metrics", "", "address to serve /metrics, /live and /ready on (overrides IPC_METRICS_ADDR)")
	timeout      = flag.Duration("timeout", 30*time.Second, "time limit for the whole probe")
)

const usage = `  end to end probe of the ipc runtime.
configuration is read from IPC_* environment variables, which the child inherits.
`

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	p, err := newProbe(cfg, logger.Logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *childMode {
		return p.serveChild(ctx, os.NewFile(childFd, "ipc"))
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if cfg.MetricsAddr != "" {
		srv := p.serveMetrics(cfg.MetricsAddr)
		defer srv.Close()
	}
	cmd := exec.CommandContext(ctx, os.Args[0], "-child")
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	rep, err := p.runParent(ctx, cmd, exerciseOptions{
		PayloadSize: *payloadSize,
		SegmentSize: *segmentSize,
		Snapshot:    *snapshotText,
	})
	if err != nil {
		return err
	}
	fmt.Println(rep)
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
