/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

// State is the state of a call session.
type State int

// Call states.
const (
	Idle State = iota
	Calling
	Ringing
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether the state counts against the single call policy.
func (s State) Active() bool {
	return s == Calling || s == Ringing || s == Connected
}

// Direction tells who initiated a call.
type Direction string

// Call directions.
const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Kind is the media kind of a call.
type Kind string

// Call kinds.
const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func kindFromCallType(callType string) Kind {
	if callType == string(KindAudio) {
		return KindAudio
	}
	return KindVideo
}

// EndReason is the best effort cause of a call end.
type EndReason string

// End reasons.
const (
	ReasonNone              EndReason = ""
	ReasonLocalHangup       EndReason = "local-hangup"
	ReasonRemoteHangup      EndReason = "remote-hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonLocalRejected     EndReason = "local-rejected"
	ReasonTransportFailed   EndReason = "transport-failed"
	ReasonNegotiationFailed EndReason = "negotiation-failed"
	ReasonMediaFailed       EndReason = "media-failed"
	ReasonShutdown          EndReason = "shutdown"
)
