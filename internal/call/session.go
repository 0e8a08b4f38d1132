/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"encoding/json"
	"time"

	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/quality"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

// Session is the call aggregate. It is owned by the dispatch loop of its
// Machine, nothing outside the loop reads or writes it.
type Session struct {
	ID string

	LocalPartyID  signaling.PartyID
	RemotePartyID signaling.PartyID
	Remote        *signaling.CallerInfo

	State     State
	Direction Direction
	Kind      Kind

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Duration    time.Duration
	EndReason   EndReason

	generation uint64

	// Guards.
	endCallSent     bool
	offerConsumed   bool
	answerExchanged bool
	busy            bool

	// Set once the offer or answer went out, local candidates are queued
	// until then.
	signalingReady bool

	offer json.RawMessage

	stream *media.Stream
	screen *media.Stream
	neg    negotiator.Negotiator

	localCandidates  []json.RawMessage
	remoteCandidates []json.RawMessage

	audioEnabled  bool
	videoEnabled  bool
	screenSharing bool

	monitor    *quality.Monitor
	controller *quality.Controller
	quality    quality.Sample
}

// Snapshot is a read only copy of a Session for observers.
type Snapshot struct {
	ID string `json:"id,omitempty"`

	LocalPartyID  signaling.PartyID     `json:"localPartyId,omitempty"`
	RemotePartyID signaling.PartyID     `json:"remotePartyId,omitempty"`
	Remote        *signaling.CallerInfo `json:"remote,omitempty"`

	State     State     `json:"state"`
	Direction Direction `json:"direction,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`

	StartedAt   time.Time     `json:"startedAt"`
	ConnectedAt time.Time     `json:"connectedAt"`
	EndedAt     time.Time     `json:"endedAt"`
	Duration    time.Duration `json:"duration"`
	EndReason   EndReason     `json:"endReason,omitempty"`

	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`

	Quality        quality.Sample `json:"-"`
	QualityProfile string         `json:"qualityProfile,omitempty"`
}

func (s *Session) snapshot(profiles quality.Profiles) Snapshot {
	snapshot := Snapshot{
		ID: s.ID,

		LocalPartyID:  s.LocalPartyID,
		RemotePartyID: s.RemotePartyID,
		Remote:        s.Remote,

		State:     s.State,
		Direction: s.Direction,
		Kind:      s.Kind,

		StartedAt:   s.StartedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
		Duration:    s.Duration,
		EndReason:   s.EndReason,

		AudioEnabled:  s.audioEnabled,
		VideoEnabled:  s.videoEnabled,
		ScreenSharing: s.screenSharing,

		Quality: s.quality,
	}
	if s.controller != nil {
		snapshot.QualityProfile = profiles[s.controller.Current()].Name
	}
	return snapshot
}

func (s *Session) videoTrack() media.Track {
	if s.screenSharing && s.screen != nil {
		return s.screen.VideoTrack()
	}
	if s.stream != nil {
		return s.stream.VideoTrack()
	}
	return nil
}
