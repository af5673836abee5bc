// Copyright 2016 Aleksandr Demakin. All rights reserved.

package shm

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds process-scoped usage counters of shared memory objects.
// A nil *Stats is valid and counts nothing.
type Stats struct {
	created     atomic.Int64
	live        atomic.Int64
	mappings    atomic.Int64
	mappedBytes atomic.Int64
	freezes     atomic.Int64

	createdDesc     *prometheus.Desc
	liveDesc        *prometheus.Desc
	mappingsDesc    *prometheus.Desc
	mappedBytesDesc *prometheus.Desc
	freezesDesc     *prometheus.Desc
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Created     int64
	Live        int64
	Mappings    int64
	MappedBytes int64
	Freezes     int64
}

// NewStats returns zeroed counters. namespace prefixes the exported metric names.
func NewStats(namespace string) *Stats {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "shm", name), help, nil, nil)
	}
	return &Stats{
		createdDesc:     desc("handles_created_total", "Shared memory objects created by this process."),
		liveDesc:        desc("handles_live", "Open shared memory handles."),
		mappingsDesc:    desc("mappings_live", "Live shared memory mappings."),
		mappedBytesDesc: desc("mapped_bytes", "Bytes of shared memory mapped into this process."),
		freezesDesc:     desc("freezes_total", "Shared memory objects frozen by this process."),
	}
}

// Snapshot returns current values of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		Created:     s.created.Load(),
		Live:        s.live.Load(),
		Mappings:    s.mappings.Load(),
		MappedBytes: s.mappedBytes.Load(),
		Freezes:     s.freezes.Load(),
	}
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.createdDesc
	ch <- s.liveDesc
	ch <- s.mappingsDesc
	ch <- s.mappedBytesDesc
	ch <- s.freezesDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	ch <- prometheus.MustNewConstMetric(s.createdDesc, prometheus.CounterValue, float64(snap.Created))
	ch <- prometheus.MustNewConstMetric(s.liveDesc, prometheus.GaugeValue, float64(snap.Live))
	ch <- prometheus.MustNewConstMetric(s.mappingsDesc, prometheus.GaugeValue, float64(snap.Mappings))
	ch <- prometheus.MustNewConstMetric(s.mappedBytesDesc, prometheus.GaugeValue, float64(snap.MappedBytes))
	ch <- prometheus.MustNewConstMetric(s.freezesDesc, prometheus.CounterValue, float64(snap.Freezes))
}

func (s *Stats) handleCreated() {
	if s != nil {
		s.created.Add(1)
	}
}

func (s *Stats) handleOpened() {
	if s != nil {
		s.live.Add(1)
	}
}

func (s *Stats) handleClosed() {
	if s != nil {
		s.live.Add(-1)
	}
}

func (s *Stats) mapped(size int) {
	if s != nil {
		s.mappings.Add(1)
		s.mappedBytes.Add(int64(size))
	}
}

func (s *Stats) unmapped(size int) {
	if s != nil {
		s.mappings.Add(-1)
		s.mappedBytes.Add(-int64(size))
	}
}

func (s *Stats) frozen() {
	if s != nil {
		s.freezes.Add(1)
	}
}
