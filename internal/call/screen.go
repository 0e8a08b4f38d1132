/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"fmt"
	"sync/atomic"

	"stash.kopano.io/kwm/kwmcall/internal/media"
)

// StartScreenShare replaces the outgoing camera video with a display
// capture. The camera keeps running and is restored by StopScreenShare.
func (m *Machine) StartScreenShare(ctx context.Context) error {
	var generation uint64
	err := m.do(ctx, func() error {
		s := m.session
		if s == nil || s.State != Connected {
			return ErrInvalidState
		}
		if s.Kind != KindVideo || s.neg == nil {
			return ErrNotVideo
		}
		if !s.screenSharing {
			generation = s.generation
		}
		return nil
	})
	if err != nil || generation == 0 {
		return err
	}

	stream, err := m.options.Media.GetDisplayMedia(ctx, media.Constraints{Video: true})
	if err != nil {
		return fmt.Errorf("failed to acquire display media: %w", err)
	}

	// Whoever claims the stream first owns it, the loop when it runs the
	// swap or the caller when it gave up waiting.
	var claimed atomic.Bool
	err = m.do(ctx, func() error {
		if !claimed.CompareAndSwap(false, true) {
			return ErrStopped
		}
		if err := m.startScreenShare(generation, stream); err != nil {
			stream.Stop()
			return err
		}
		return nil
	})
	if claimed.CompareAndSwap(false, true) {
		stream.Stop()
	}
	return err
}

func (m *Machine) startScreenShare(generation uint64, stream *media.Stream) error {
	s := m.current(generation)
	if s == nil || s.State != Connected || s.neg == nil {
		return ErrNoSession
	}
	if s.screenSharing {
		return ErrInvalidState
	}
	track := stream.VideoTrack()
	if track == nil {
		return ErrNotVideo
	}
	if err := s.neg.ReplaceOutgoingVideoTrack(track); err != nil {
		return err
	}
	s.screen = stream
	s.screenSharing = true
	m.sessionLogger(s).Infoln("screen sharing started")
	m.publish()
	return nil
}

// StopScreenShare switches the outgoing video back to the camera.
func (m *Machine) StopScreenShare(ctx context.Context) error {
	return m.do(ctx, func() error {
		s := m.session
		if s == nil || s.State != Connected || s.neg == nil {
			return ErrInvalidState
		}
		if !s.screenSharing {
			return nil
		}
		if s.stream != nil {
			if camera := s.stream.VideoTrack(); camera != nil {
				if err := s.neg.ReplaceOutgoingVideoTrack(camera); err != nil {
					return err
				}
			}
		}
		if s.screen != nil {
			s.screen.Stop()
			s.screen = nil
		}
		s.screenSharing = false
		m.sessionLogger(s).Infoln("screen sharing stopped")
		m.publish()
		return nil
	})
}
