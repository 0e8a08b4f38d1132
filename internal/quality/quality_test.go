/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmcall/internal/media"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		loss, rtt float64
		want      Class
	}{
		{0, 0, Excellent},
		{6, 0, Poor},
		{0, 310, Poor},
		{1, 0, Good},
		{3, 0, Fair},
		{0.5, 80, Excellent},
		{0, 81, Good},
		{0, 151, Fair},
		{5, 300, Fair},
		{2, 150, Good},
	} {
		assert.Equal(t, tc.want, Classify(tc.loss, tc.rtt), "classify(%v, %v)", tc.loss, tc.rtt)
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "excellent", Excellent.String())
	assert.Equal(t, "poor", Poor.String())
	assert.Equal(t, "unknown", Class(9).String())
}

func newReport(lost int32, received uint32, rtt float64, bitrate float64) webrtc.StatsReport {
	return webrtc.StatsReport{
		"audio-in": webrtc.InboundRTPStreamStats{
			Type:            webrtc.StatsTypeInboundRTP,
			Kind:            "audio",
			PacketsReceived: 10,
			PacketsLost:     10,
		},
		"video-in": webrtc.InboundRTPStreamStats{
			Type:            webrtc.StatsTypeInboundRTP,
			Kind:            "video",
			PacketsReceived: received,
			PacketsLost:     lost,
		},
		"pair-waiting": webrtc.ICECandidatePairStats{
			Type:                 webrtc.StatsTypeCandidatePair,
			State:                webrtc.StatsICECandidatePairStateWaiting,
			CurrentRoundTripTime: 9,
		},
		"pair": webrtc.ICECandidatePairStats{
			Type:                     webrtc.StatsTypeCandidatePair,
			State:                    webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime:     rtt,
			AvailableOutgoingBitrate: bitrate,
		},
	}
}

func TestExtract(t *testing.T) {
	sample, ok := Extract(newReport(6, 94, 0.05, 1200000), 0)
	require.True(t, ok)
	assert.InDelta(t, 6.0, sample.PacketLossPct, 0.0001)
	assert.InDelta(t, 50.0, sample.RoundTripMs, 0.0001)
	assert.Equal(t, 1200000.0, sample.AvailableBitrateBps)
	assert.Equal(t, Poor, sample.Class)
}

func TestExtractDefaults(t *testing.T) {
	sample, ok := Extract(newReport(0, 0, 0, 0), 0)
	require.True(t, ok)
	assert.Equal(t, 0.0, sample.PacketLossPct)
	assert.Equal(t, DefaultRoundTrip, sample.RoundTripMs)
	assert.Equal(t, DefaultBitrate, sample.AvailableBitrateBps)
	assert.Equal(t, Excellent, sample.Class)

	sample, ok = Extract(newReport(0, 100, 0.2, 0), 800000)
	require.True(t, ok)
	assert.Equal(t, 800000.0, sample.AvailableBitrateBps)
	assert.Equal(t, Fair, sample.Class)
}

func TestExtractNeedsVideoAndPair(t *testing.T) {
	report := newReport(0, 100, 0.01, 0)
	delete(report, "pair")
	_, ok := Extract(report, 0)
	assert.False(t, ok)

	report = newReport(0, 100, 0.01, 0)
	delete(report, "video-in")
	_, ok = Extract(report, 0)
	assert.False(t, ok)
}

func TestMonitorReportsChanges(t *testing.T) {
	m := NewMonitor()

	_, changed := m.Observe(Sample{Class: Excellent})
	assert.False(t, changed)
	class, changed := m.Observe(Sample{Class: Poor, PacketLossPct: 7})
	assert.True(t, changed)
	assert.Equal(t, Poor, class)
	_, changed = m.Observe(Sample{Class: Poor})
	assert.False(t, changed)
	class, changed = m.Observe(Sample{Class: Excellent})
	assert.True(t, changed)
	assert.Equal(t, Excellent, class)
}

type fakeTrack struct {
	media.Track
	applied []media.Constraints
	err     error
}

func (t *fakeTrack) ApplyConstraints(ctx context.Context, c media.Constraints) error {
	if t.err != nil {
		return t.err
	}
	t.applied = append(t.applied, c)
	return nil
}

type fakeLimiter struct {
	caps []uint64
}

func (l *fakeLimiter) SetMaxBitrate(bps uint64) error {
	l.caps = append(l.caps, bps)
	return nil
}

func TestControllerAppliesAnyTier(t *testing.T) {
	ctx := context.Background()
	c := NewController(nil, 0, nil)
	track := &fakeTrack{}
	limiter := &fakeLimiter{}

	applied, err := c.Apply(ctx, Excellent, track, limiter)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = c.Apply(ctx, Poor, track, limiter)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = c.Apply(ctx, Excellent, track, limiter)
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, track.applied, 2)
	assert.Equal(t, 426, track.applied[0].Width)
	assert.Equal(t, 240, track.applied[0].Height)
	assert.Equal(t, 15.0, track.applied[0].FrameRate)
	assert.Equal(t, 1280, track.applied[1].Width)
	assert.Equal(t, []uint64{250000, 2500000}, limiter.caps)
	assert.Equal(t, Excellent, c.Current())
}

func TestControllerDwell(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	c := NewController(nil, 10*time.Second, func() time.Time { return now })
	limiter := &fakeLimiter{}

	applied, _ := c.Apply(ctx, Fair, nil, limiter)
	assert.True(t, applied)

	now = now.Add(5 * time.Second)
	applied, _ = c.Apply(ctx, Good, nil, limiter)
	assert.False(t, applied)
	assert.Equal(t, Fair, c.Current())

	now = now.Add(6 * time.Second)
	applied, _ = c.Apply(ctx, Good, nil, limiter)
	assert.True(t, applied)
	assert.Equal(t, []uint64{500000, 1000000}, limiter.caps)
}

func TestControllerTrackFailureKeepsProfile(t *testing.T) {
	c := NewController(nil, 0, nil)
	applied, err := c.Apply(context.Background(), Poor, &fakeTrack{err: errors.New("busy")}, nil)
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, Excellent, c.Current())

	_, err = c.Apply(context.Background(), Class(9), nil, nil)
	assert.Error(t, err)
}
