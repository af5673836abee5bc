// Copyright 2016 Aleksandr Demakin. All rights reserved.

// Package metrics exports runtime counters to prometheus.
package metrics

import (
	"time"

	"github.com/nxgtw/actor-ipc/wire"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus collectors of the runtime.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	CallDuration     prometheus.Histogram
	ChannelErrors    *prometheus.CounterVec
	SegmentsLive     prometheus.Gauge
}

// New creates collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent over channels.",
		}, []string{"channel", "kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received over channels.",
		}, []string{"channel", "kind"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time spent waiting for replies to sync calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ChannelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Channels closed because of an error.",
		}, []string{"channel"}),
		SegmentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments_live",
			Help:      "Managed shared memory segments alive.",
		}),
	}
	for _, c := range []prometheus.Collector{m.MessagesSent, m.MessagesReceived, m.CallDuration, m.ChannelErrors, m.SegmentsLive} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Kind classifies a message for the "kind" label.
func Kind(msg *wire.Message) string {
	switch {
	case msg.IsControl():
		return "control"
	case msg.IsReply():
		return "reply"
	case msg.IsSync():
		return "sync"
	default:
		return "async"
	}
}

// ChannelObserver reports events of one channel.
type ChannelObserver struct {
	m       *Metrics
	channel string
}

// Channel returns an observer for the channel with the given id.
func (m *Metrics) Channel(id string) *ChannelObserver {
	return &ChannelObserver{m: m, channel: id}
}

// MessageSent counts an outgoing message.
func (o *ChannelObserver) MessageSent(msg *wire.Message) {
	o.m.MessagesSent.WithLabelValues(o.channel, Kind(msg)).Inc()
}

// MessageReceived counts an incoming message.
func (o *ChannelObserver) MessageReceived(msg *wire.Message) {
	o.m.MessagesReceived.WithLabelValues(o.channel, Kind(msg)).Inc()
}

// CallFinished records the time a sync call waited for its reply.
func (o *ChannelObserver) CallFinished(d time.Duration) {
	o.m.CallDuration.Observe(d.Seconds())
}

// ChannelError counts a channel error.
func (o *ChannelObserver) ChannelError(error) {
	o.m.ChannelErrors.WithLabelValues(o.channel).Inc()
}

// SegmentAllocated is called when a segment is added to a segment table.
func (o *ChannelObserver) SegmentAllocated() {
	o.m.SegmentsLive.Inc()
}

// SegmentDestroyed is called when a segment is removed from a segment table.
func (o *ChannelObserver) SegmentDestroyed() {
	o.m.SegmentsLive.Dec()
}
