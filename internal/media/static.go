/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rogpeppe/fastuuid"
)

var guidGenerator = fastuuid.MustNewGenerator()

// ErrTrackStopped is returned when writing to or configuring a stopped track.
var ErrTrackStopped = errors.New("track stopped")

// StaticTrack is a Track backed by a pion sample track. Samples are pushed by
// the owner with WriteSample, nothing is captured from a device.
type StaticTrack struct {
	mutex sync.RWMutex

	kind  Kind
	local *webrtc.TrackLocalStaticSample

	constraints Constraints
	maxBitrate  uint64
	enabled     bool
	stopped     bool
}

// NewStaticTrack creates a StaticTrack of kind in stream streamID.
func NewStaticTrack(kind Kind, streamID string) (*StaticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, guidGenerator.Hex128(), streamID)
	if err != nil {
		return nil, err
	}
	return &StaticTrack{
		kind:    kind,
		local:   local,
		enabled: true,
	}, nil
}

// ID implements Track.
func (t *StaticTrack) ID() string {
	return t.local.ID()
}

// Kind implements Track.
func (t *StaticTrack) Kind() Kind {
	return t.kind
}

// Local implements Track.
func (t *StaticTrack) Local() webrtc.TrackLocal {
	return t.local
}

// ApplyConstraints implements Track.
func (t *StaticTrack) ApplyConstraints(ctx context.Context, constraints Constraints) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped {
		return ErrTrackStopped
	}
	t.constraints = constraints
	return nil
}

// Constraints returns the currently applied constraints.
func (t *StaticTrack) Constraints() Constraints {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.constraints
}

// SetMaxBitrate implements BitrateLimiter.
func (t *StaticTrack) SetMaxBitrate(bps uint64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.stopped {
		return ErrTrackStopped
	}
	t.maxBitrate = bps
	return nil
}

// MaxBitrate returns the bitrate cap, 0 if none was set.
func (t *StaticTrack) MaxBitrate() uint64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.maxBitrate
}

// SetEnabled implements Track. Samples written to a disabled track are
// discarded.
func (t *StaticTrack) SetEnabled(enabled bool) {
	t.mutex.Lock()
	t.enabled = enabled
	t.mutex.Unlock()
}

// Enabled implements Track.
func (t *StaticTrack) Enabled() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.enabled
}

// Stop implements Track.
func (t *StaticTrack) Stop() error {
	t.mutex.Lock()
	t.stopped = true
	t.mutex.Unlock()
	return nil
}

// Stopped reports whether Stop was called.
func (t *StaticTrack) Stopped() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.stopped
}

// WriteSample pushes sample to the peer connection.
func (t *StaticTrack) WriteSample(sample pionmedia.Sample) error {
	t.mutex.RLock()
	stopped, enabled := t.stopped, t.enabled
	t.mutex.RUnlock()
	switch {
	case stopped:
		return ErrTrackStopped
	case !enabled:
		return nil
	}
	return t.local.WriteSample(sample)
}

// StaticSource is a Source handing out StaticTracks. It is used by the
// headless call agent.
type StaticSource struct {
	// Err, when set, is returned by every acquisition.
	Err error
}

// GetUserMedia implements Source.
func (s *StaticSource) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := guidGenerator.Hex128()
	var tracks []Track
	if constraints.Audio {
		track, err := NewStaticTrack(KindAudio, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	if constraints.Video {
		track, err := NewStaticTrack(KindVideo, streamID)
		if err != nil {
			return nil, err
		}
		track.constraints = constraints
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, ErrNoDevice
	}
	return NewStream(streamID, tracks...), nil
}

// GetDisplayMedia implements Source.
func (s *StaticSource) GetDisplayMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	constraints.Audio = false
	constraints.Video = true
	return s.GetUserMedia(ctx, constraints)
}
