/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package negotiator wraps the peer to peer media transport behind the small
// set of operations needed to run a call.
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"stash.kopano.io/kwm/kwmcall/internal/media"
)

// ConnectionState is the aggregated transport connection state.
type ConnectionState string

// Connection states.
const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Causes wrapped by Error.
var (
	ErrClosed             = errors.New("transport closed")
	ErrInvalidDescription = errors.New("invalid session description")
	ErrInvalidCandidate   = errors.New("invalid ice candidate")
	ErrNoVideoSender      = errors.New("no outgoing video track")
)

// Error is returned by all failing Negotiator operations.
type Error struct {
	Op  string
	Err error
}

func (err *Error) Error() string {
	return fmt.Sprintf("negotiator %s: %v", err.Op, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func newError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// RemoteTrack is a track received from the peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() media.Kind
	ReadRTP() (*rtp.Packet, error)
}

// Negotiator is the media transport of one call. Descriptions and candidates
// are opaque JSON payloads which are passed through from signaling
// unmodified.
type Negotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context) (json.RawMessage, error)
	SetLocalDescription(ctx context.Context, description json.RawMessage) error
	SetRemoteDescription(ctx context.Context, description json.RawMessage) error
	HasRemoteDescription() bool

	AddLocalTrack(track media.Track) error
	ReplaceOutgoingVideoTrack(track media.Track) error
	SetMaxBitrate(bps uint64) error

	OnRemoteTrack(func(RemoteTrack))
	OnICECandidate(func(json.RawMessage))
	AddRemoteICECandidate(candidate json.RawMessage) error
	OnConnectionStateChange(func(ConnectionState))

	GetStats(ctx context.Context) (webrtc.StatsReport, error)

	Close() error
}

// BitrateEstimator is implemented by negotiators which learn the available
// outgoing bitrate from the peer's feedback.
type BitrateEstimator interface {
	EstimatedBitrate() float64
}
