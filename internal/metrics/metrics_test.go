// Copyright 2016 Aleksandr Demakin. All rights reserved.

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/nxgtw/actor-ipc/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "test")
	require.NoError(t, err)
	obs := m.Channel("c1")
	msg, err := wire.NewMessage(1, 1, wire.FlagSync)
	require.NoError(t, err)
	obs.MessageSent(msg)
	obs.MessageSent(wire.NewReply(msg))
	obs.MessageReceived(wire.NewControlMessage(wire.HelloType))
	obs.CallFinished(time.Millisecond)
	obs.ChannelError(errors.New("boom"))
	obs.SegmentAllocated()
	obs.SegmentAllocated()
	obs.SegmentDestroyed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("c1", "sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("c1", "reply")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("c1", "control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelErrors.WithLabelValues("c1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsLive))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CallDuration))
	_, err = New(reg, "test")
	assert.Error(t, err)
}
