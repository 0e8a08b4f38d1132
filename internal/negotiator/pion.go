/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/media"
)

type peerNegotiator struct {
	deadlock.RWMutex

	pc     *webrtc.PeerConnection
	logger logrus.FieldLogger

	videoSender *webrtc.RTPSender
	videoTrack  media.Track
	maxBitrate  uint64
	closed      bool

	rembBitrate uint64 // float64 bits, atomic.

	onRemoteTrack  func(RemoteTrack)
	onICECandidate func(json.RawMessage)
	onStateChange  func(ConnectionState)
}

func newPeerNegotiator(pc *webrtc.PeerConnection, logger logrus.FieldLogger) *peerNegotiator {
	n := &peerNegotiator{
		pc:     pc,
		logger: logger,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.WithField("state", state).Debugln("peer connection state changed")
		n.RLock()
		handler := n.onStateChange
		n.RUnlock()
		if handler != nil {
			handler(ConnectionState(state.String()))
		}
	})
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete.
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			n.logger.WithError(err).Errorln("failed to encode local ice candidate")
			return
		}
		n.RLock()
		handler := n.onICECandidate
		n.RUnlock()
		if handler != nil {
			handler(payload)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.logger.WithFields(logrus.Fields{
			"track": track.ID(),
			"kind":  track.Kind(),
		}).Debugln("remote track received")
		n.RLock()
		handler := n.onRemoteTrack
		n.RUnlock()
		remote := &remoteTrack{track}
		if handler == nil {
			go drain(remote)
			return
		}
		handler(remote)
	})

	return n
}

func drain(track RemoteTrack) {
	for {
		if _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (n *peerNegotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	if err := n.check(ctx); err != nil {
		return nil, newError("createOffer", err)
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, newError("createOffer", err)
	}
	return marshalDescription("createOffer", offer)
}

func (n *peerNegotiator) CreateAnswer(ctx context.Context) (json.RawMessage, error) {
	if err := n.check(ctx); err != nil {
		return nil, newError("createAnswer", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, newError("createAnswer", err)
	}
	return marshalDescription("createAnswer", answer)
}

func (n *peerNegotiator) SetLocalDescription(ctx context.Context, description json.RawMessage) error {
	if err := n.check(ctx); err != nil {
		return newError("setLocalDescription", err)
	}
	sd, err := unmarshalDescription("setLocalDescription", description)
	if err != nil {
		return err
	}
	if err = n.pc.SetLocalDescription(sd); err != nil {
		return newError("setLocalDescription", err)
	}
	return nil
}

func (n *peerNegotiator) SetRemoteDescription(ctx context.Context, description json.RawMessage) error {
	if err := n.check(ctx); err != nil {
		return newError("setRemoteDescription", err)
	}
	sd, err := unmarshalDescription("setRemoteDescription", description)
	if err != nil {
		return err
	}
	if err = n.pc.SetRemoteDescription(sd); err != nil {
		return newError("setRemoteDescription", fmt.Errorf("%w: %v", ErrInvalidDescription, err))
	}
	return nil
}

func (n *peerNegotiator) HasRemoteDescription() bool {
	return n.pc.RemoteDescription() != nil
}

func (n *peerNegotiator) AddLocalTrack(track media.Track) error {
	if err := n.check(context.Background()); err != nil {
		return newError("addLocalTrack", err)
	}
	sender, err := n.pc.AddTrack(track.Local())
	if err != nil {
		return newError("addLocalTrack", err)
	}
	if track.Kind() == media.KindVideo {
		n.Lock()
		n.videoSender = sender
		n.videoTrack = track
		n.Unlock()
	}
	go n.readRTCP(sender)
	return nil
}

// readRTCP drains the sender's RTCP, which also feeds the interceptors, and
// keeps the latest REMB estimate.
func (n *peerNegotiator) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if remb, ok := packet.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
				atomic.StoreUint64(&n.rembBitrate, math.Float64bits(float64(remb.Bitrate)))
			}
		}
	}
}

func (n *peerNegotiator) EstimatedBitrate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&n.rembBitrate))
}

func (n *peerNegotiator) ReplaceOutgoingVideoTrack(track media.Track) error {
	n.Lock()
	defer n.Unlock()
	if n.closed {
		return newError("replaceOutgoingVideoTrack", ErrClosed)
	}
	if n.videoSender == nil {
		return newError("replaceOutgoingVideoTrack", ErrNoVideoSender)
	}
	if err := n.videoSender.ReplaceTrack(track.Local()); err != nil {
		return newError("replaceOutgoingVideoTrack", err)
	}
	n.videoTrack = track
	if limiter, ok := track.(media.BitrateLimiter); ok && n.maxBitrate > 0 {
		if err := limiter.SetMaxBitrate(n.maxBitrate); err != nil {
			n.logger.WithError(err).Warnln("failed to carry bitrate cap to replaced track")
		}
	}
	return nil
}

func (n *peerNegotiator) SetMaxBitrate(bps uint64) error {
	n.Lock()
	defer n.Unlock()
	if n.closed {
		return newError("setMaxBitrate", ErrClosed)
	}
	n.maxBitrate = bps
	if limiter, ok := n.videoTrack.(media.BitrateLimiter); ok {
		if err := limiter.SetMaxBitrate(bps); err != nil {
			return newError("setMaxBitrate", err)
		}
	}
	return nil
}

func (n *peerNegotiator) OnRemoteTrack(f func(RemoteTrack)) {
	n.Lock()
	n.onRemoteTrack = f
	n.Unlock()
}

func (n *peerNegotiator) OnICECandidate(f func(json.RawMessage)) {
	n.Lock()
	n.onICECandidate = f
	n.Unlock()
}

func (n *peerNegotiator) OnConnectionStateChange(f func(ConnectionState)) {
	n.Lock()
	n.onStateChange = f
	n.Unlock()
}

func (n *peerNegotiator) AddRemoteICECandidate(candidate json.RawMessage) error {
	if err := n.check(context.Background()); err != nil {
		return newError("addRemoteIceCandidate", err)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return newError("addRemoteIceCandidate", fmt.Errorf("%w: %v", ErrInvalidCandidate, err))
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return newError("addRemoteIceCandidate", fmt.Errorf("%w: %v", ErrInvalidCandidate, err))
	}
	return nil
}

func (n *peerNegotiator) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	if err := n.check(ctx); err != nil {
		return nil, newError("getStats", err)
	}
	return n.pc.GetStats(), nil
}

func (n *peerNegotiator) Close() error {
	n.Lock()
	if n.closed {
		n.Unlock()
		return nil
	}
	n.closed = true
	n.onRemoteTrack = nil
	n.onICECandidate = nil
	n.onStateChange = nil
	n.Unlock()

	if err := n.pc.Close(); err != nil {
		return newError("close", err)
	}
	return nil
}

func (n *peerNegotiator) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.RLock()
	defer n.RUnlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}

func marshalDescription(op string, sd webrtc.SessionDescription) (json.RawMessage, error) {
	payload, err := json.Marshal(sd)
	if err != nil {
		return nil, newError(op, err)
	}
	return payload, nil
}

func unmarshalDescription(op string, description json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(description, &sd); err != nil {
		return sd, newError(op, fmt.Errorf("%w: %v", ErrInvalidDescription, err))
	}
	if sd.SDP == "" {
		return sd, newError(op, fmt.Errorf("%w: empty sdp", ErrInvalidDescription))
	}
	return sd, nil
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string {
	return t.track.ID()
}

func (t *remoteTrack) StreamID() string {
	return t.track.StreamID()
}

func (t *remoteTrack) Kind() media.Kind {
	return media.Kind(t.track.Kind().String())
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := t.track.ReadRTP()
	return packet, err
}
