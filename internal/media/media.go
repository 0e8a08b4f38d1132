/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package media defines the local capture capability used by calls. Device
// access itself is provided by a Source implementation.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind is the kind of a track.
type Kind string

// Track kinds.
const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Acquisition errors.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrNoDevice         = errors.New("media device not found")
)

// Constraints select what to capture and at which quality.
type Constraints struct {
	Audio bool
	Video bool

	Width     int
	Height    int
	FrameRate float64
}

// Track is a local capture track.
type Track interface {
	ID() string
	Kind() Kind

	// Local returns the track which is attached to the peer connection.
	Local() webrtc.TrackLocal

	ApplyConstraints(ctx context.Context, constraints Constraints) error

	SetEnabled(enabled bool)
	Enabled() bool

	// Stop releases the underlying device. Stop is idempotent.
	Stop() error
}

// BitrateLimiter is implemented by tracks whose encoder accepts a bitrate
// cap.
type BitrateLimiter interface {
	SetMaxBitrate(bps uint64) error
}

// Source acquires local media.
type Source interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Stream groups the tracks of one acquisition.
type Stream struct {
	id     string
	tracks []Track

	once    sync.Once
	stopErr error
}

// NewStream creates a Stream with the provided tracks.
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{
		id:     id,
		tracks: tracks,
	}
}

// ID returns the stream id.
func (s *Stream) ID() string {
	return s.id
}

// Tracks returns all tracks of the stream.
func (s *Stream) Tracks() []Track {
	return s.tracks
}

// AudioTrack returns the first audio track or nil.
func (s *Stream) AudioTrack() Track {
	return s.first(KindAudio)
}

// VideoTrack returns the first video track or nil.
func (s *Stream) VideoTrack() Track {
	return s.first(KindVideo)
}

func (s *Stream) first(kind Kind) Track {
	for _, track := range s.tracks {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}

// Stop stops all tracks of the stream, only the first call has an effect.
func (s *Stream) Stop() error {
	s.once.Do(func() {
		for _, track := range s.tracks {
			if err := track.Stop(); err != nil && s.stopErr == nil {
				s.stopErr = err
			}
		}
	})
	return s.stopErr
}
